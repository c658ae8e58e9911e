package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// sequenceKey is the partition key of the single counter item that allocates
// global sequence numbers. Version 0 keeps it out of every event query.
const sequenceKey = "_global_sequence"

// DynamoEventStore is a durable EventStore backed by DynamoDB. Events live in
// a table keyed by (aggregate_id, version); a conditional transactional write
// rejects concurrent appends at the same version. A GSI keyed by a constant
// partition value and the global sequence serves the cross-aggregate queries.
type DynamoEventStore struct {
	client    *dynamodb.Client
	tableName string
}

// dynamoEvent is the DynamoDB item layout for one stored event.
type dynamoEvent struct {
	AggregateID    string `dynamodbav:"aggregate_id"`
	Version        int    `dynamodbav:"version"`
	GlobalSequence int64  `dynamodbav:"global_sequence"`
	ID             string `dynamodbav:"id"`
	AggregateType  string `dynamodbav:"aggregate_type"`
	EventType      string `dynamodbav:"event_type"`
	Data           string `dynamodbav:"data"`
	OccurredAt     string `dynamodbav:"occurred_at"`
	StoredAt       string `dynamodbav:"stored_at"`
	GSI1PK         string `dynamodbav:"gsi1pk"`
}

func NewDynamoEventStore(client *dynamodb.Client, tableName string) *DynamoEventStore {
	return &DynamoEventStore{client: client, tableName: tableName}
}

// Append implements EventStore. All events of one call go through a single
// TransactWriteItems, so a failed append writes nothing.
func (es *DynamoEventStore) Append(ctx context.Context, aggregateID, aggregateType string, events []EventData, expectedVersion int) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return nil, nil
	}

	current, err := es.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if current != expectedVersion {
		return nil, &ConcurrencyError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	firstSequence, err := es.allocateSequence(ctx, int64(len(events)))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate global sequence: %w", err)
	}

	now := time.Now()
	stored := make([]StoredEvent, 0, len(events))
	writes := make([]types.TransactWriteItem, 0, len(events))
	for i, e := range events {
		occurredAt := e.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}
		event := StoredEvent{
			GlobalSequence: firstSequence + int64(i),
			ID:             uuid.New().String(),
			AggregateID:    aggregateID,
			AggregateType:  aggregateType,
			EventType:      e.EventType,
			Data:           e.Data,
			Version:        current + i + 1,
			OccurredAt:     occurredAt,
			StoredAt:       now,
		}

		av, err := attributevalue.MarshalMap(dynamoEvent{
			AggregateID:    event.AggregateID,
			Version:        event.Version,
			GlobalSequence: event.GlobalSequence,
			ID:             event.ID,
			AggregateType:  event.AggregateType,
			EventType:      event.EventType,
			Data:           string(event.Data),
			OccurredAt:     event.OccurredAt.Format(time.RFC3339Nano),
			StoredAt:       event.StoredAt.Format(time.RFC3339Nano),
			GSI1PK:         "EVENTS",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}

		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(es.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id)"),
			},
		})
		stored = append(stored, event)
	}

	_, err = es.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: writes,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			actual, verr := es.CurrentVersion(ctx, aggregateID)
			if verr != nil {
				actual = -1
			}
			return nil, &ConcurrencyError{
				AggregateID:     aggregateID,
				ExpectedVersion: expectedVersion,
				ActualVersion:   actual,
			}
		}
		return nil, fmt.Errorf("failed to write events: %w", err)
	}

	return stored, nil
}

// allocateSequence reserves n consecutive global sequence numbers and returns
// the first one.
func (es *DynamoEventStore) allocateSequence(ctx context.Context, n int64) (int64, error) {
	out, err := es.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(es.tableName),
		Key: map[string]types.AttributeValue{
			"aggregate_id": &types.AttributeValueMemberS{Value: sequenceKey},
			"version":      &types.AttributeValueMemberN{Value: "0"},
		},
		UpdateExpression: aws.String("ADD seq :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, err
	}

	member, ok := out.Attributes["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("sequence counter attribute missing")
	}
	end, err := strconv.ParseInt(member.Value, 10, 64)
	if err != nil {
		return 0, err
	}
	return end - n + 1, nil
}

// EventsFor implements EventStore.
func (es *DynamoEventStore) EventsFor(ctx context.Context, aggregateID string, fromVersion int) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid AND version > :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
			":v":   &types.AttributeValueMemberN{Value: strconv.Itoa(fromVersion)},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return es.unmarshalEvents(result.Items)
}

// AllEvents implements EventStore.
func (es *DynamoEventStore) AllEvents(ctx context.Context) ([]StoredEvent, error) {
	return es.queryGlobal(ctx, nil, nil)
}

// EventsOfType implements EventStore.
func (es *DynamoEventStore) EventsOfType(ctx context.Context, eventType string) ([]StoredEvent, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}
	return es.queryGlobal(ctx,
		aws.String("event_type = :et"),
		map[string]types.AttributeValue{
			":et": &types.AttributeValueMemberS{Value: eventType},
		})
}

// EventsInRange implements EventStore.
func (es *DynamoEventStore) EventsInRange(ctx context.Context, from, to time.Time) ([]StoredEvent, error) {
	if from.After(to) {
		return nil, ErrInvalidTimeRange
	}

	events, err := es.queryGlobal(ctx,
		aws.String("occurred_at BETWEEN :from AND :to"),
		map[string]types.AttributeValue{
			":from": &types.AttributeValueMemberS{Value: from.Format(time.RFC3339Nano)},
			":to":   &types.AttributeValueMemberS{Value: to.Format(time.RFC3339Nano)},
		})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	return events, nil
}

// CurrentVersion implements EventStore.
func (es *DynamoEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("aggregate_id = :aid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":aid": &types.AttributeValueMemberS{Value: aggregateID},
		},
		ScanIndexForward:     aws.Bool(false),
		Limit:                aws.Int32(1),
		ProjectionExpression: aws.String("version"),
	})
	if err != nil {
		return 0, err
	}
	if len(result.Items) == 0 {
		return 0, nil
	}

	var item struct {
		Version int `dynamodbav:"version"`
	}
	if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
		return 0, err
	}
	return item.Version, nil
}

// TotalEventCount implements EventStore.
func (es *DynamoEventStore) TotalEventCount(ctx context.Context) (int64, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "EVENTS"},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		return 0, err
	}
	return int64(result.Count), nil
}

// queryGlobal reads the GSI in global sequence order, optionally with a
// filter expression.
func (es *DynamoEventStore) queryGlobal(ctx context.Context, filter *string, values map[string]types.AttributeValue) ([]StoredEvent, error) {
	if values == nil {
		values = map[string]types.AttributeValue{}
	}
	values[":pk"] = &types.AttributeValueMemberS{Value: "EVENTS"}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(es.tableName),
		IndexName:                 aws.String("GSI1"),
		KeyConditionExpression:    aws.String("gsi1pk = :pk"),
		FilterExpression:          filter,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(true),
	}

	var events []StoredEvent
	for {
		result, err := es.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		page, err := es.unmarshalEvents(result.Items)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return events, nil
}

func (es *DynamoEventStore) unmarshalEvents(items []map[string]types.AttributeValue) ([]StoredEvent, error) {
	events := make([]StoredEvent, 0, len(items))
	for _, item := range items {
		var de dynamoEvent
		if err := attributevalue.UnmarshalMap(item, &de); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event item: %w", err)
		}

		occurredAt, _ := time.Parse(time.RFC3339Nano, de.OccurredAt)
		storedAt, _ := time.Parse(time.RFC3339Nano, de.StoredAt)

		events = append(events, StoredEvent{
			GlobalSequence: de.GlobalSequence,
			ID:             de.ID,
			AggregateID:    de.AggregateID,
			AggregateType:  de.AggregateType,
			EventType:      de.EventType,
			Data:           json.RawMessage(de.Data),
			Version:        de.Version,
			OccurredAt:     occurredAt,
			StoredAt:       storedAt,
		})
	}
	return events, nil
}
