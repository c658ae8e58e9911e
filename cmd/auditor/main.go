package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/example/finance-ledger/internal/infrastructure/kafka"
	"github.com/example/finance-ledger/internal/infrastructure/store"
)

// The auditor tails the event topic and writes a human-readable audit trail.
// It is a pure consumer: it never writes to the event log.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kafkaBrokersStr := getEnv("KAFKA_BROKERS", "localhost:9092")
	kafkaBrokers := strings.Split(kafkaBrokersStr, ",")
	kafkaTopic := getEnv("KAFKA_TOPIC", "ledger-events")
	consumerGroup := getEnv("KAFKA_GROUP", "ledger-auditor")

	log.Println("[Auditor] ========================================")
	log.Println("[Auditor] Finance Ledger - Audit Trail")
	log.Println("[Auditor] ========================================")
	log.Printf("[Auditor] Kafka: %v", kafkaBrokers)
	log.Printf("[Auditor] Topic: %s", kafkaTopic)
	log.Printf("[Auditor] Group: %s", consumerGroup)

	consumer := kafka.NewConsumer(kafkaBrokers, kafkaTopic, consumerGroup)
	defer consumer.Close()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("[Auditor] Shutting down...")
		cancel()
	}()

	err := consumer.Consume(ctx, func(_ context.Context, key, value []byte) error {
		var e store.StoredEvent
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		log.Printf("[Auditor] seq=%d aggregate=%s version=%d type=%s occurred=%s",
			e.GlobalSequence, e.AggregateID, e.Version, e.EventType, e.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"))
		return nil
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("[Auditor] Consumer stopped: %v", err)
	}
	log.Println("[Auditor] Stopped")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
