// Package kafka implements the event bus ports on franz-go. Events travel as
// JSON envelopes on per-service topics, keyed by aggregate so one aggregate's
// events stay in production order.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// kafkaErrTopicAlreadyExists is protocol error code 36.
const kafkaErrTopicAlreadyExists = 36

// Topic returns the canonical topic for a producing service:
// <prefix>.<service>.events.
func Topic(prefix, producer string) string {
	return fmt.Sprintf("%s.%s.events", prefix, producer)
}

// EnsureTopic creates the topic through the admin API if it does not exist.
// An already-existing topic is not an error.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("op=kafka.ensure_topic: topic name required")
	}
	if partitions <= 0 || replicationFactor <= 0 {
		return fmt.Errorf("op=kafka.ensure_topic: partitions and replication factor must be positive")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=kafka.ensure_topic: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=kafka.ensure_topic: unexpected response type %T", resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode == 0 {
			slog.Info("topic created",
				slog.String("topic", t.Topic),
				slog.Int("partitions", int(partitions)))
			continue
		}
		if t.ErrorCode == kafkaErrTopicAlreadyExists {
			continue
		}
		msg := ""
		if t.ErrorMessage != nil {
			msg = *t.ErrorMessage
		}
		return fmt.Errorf("op=kafka.ensure_topic: create %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
	}
	return nil
}
