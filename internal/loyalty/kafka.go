package loyalty

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
)

// KafkaPublisher writes outbox entries to a loyalty topic. Partitioning by
// member id keeps one member's accruals ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

type loyaltyEvent struct {
	MemberID      int64  `json:"member_id"`
	CustomerID    int64  `json:"customer_id"`
	TransactionID int64  `json:"transaction_id"`
	OperatorID    int64  `json:"operator_id"`
	Points        int64  `json:"points"`
	Direction     string `json:"direction"`
}

func (p *KafkaPublisher) Publish(ctx context.Context, entry domain.LoyaltyOutboxEntry) error {
	payload, err := json.Marshal(loyaltyEvent{
		MemberID:      entry.MemberID,
		CustomerID:    entry.CustomerID,
		TransactionID: entry.TransactionID,
		OperatorID:    entry.OperatorID,
		Points:        entry.Points,
		Direction:     string(entry.Direction),
	})
	if err != nil {
		return fmt.Errorf("marshal loyalty event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprint(entry.MemberID)),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
