package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// topicAlreadyExists is the Kafka protocol error code TOPIC_ALREADY_EXISTS.
const topicAlreadyExists = 36

// EnsureTopics creates the given topics if they do not exist, using the
// Kafka admin API. "Already exists" responses are treated as success so the
// call is safe on every startup.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, replicationFactor int16, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	for _, topic := range topics {
		if topic == "" {
			return fmt.Errorf("topic name cannot be empty")
		}
		t := kmsg.NewCreateTopicsRequestTopic()
		t.Topic = topic
		t.NumPartitions = partitions
		t.ReplicationFactor = replicationFactor
		req.Topics = append(req.Topics, t)
	}

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode == 0 {
			slog.Info("topic created", slog.String("topic", t.Topic))
			continue
		}
		if t.ErrorCode == topicAlreadyExists {
			slog.Debug("topic already exists", slog.String("topic", t.Topic))
			continue
		}
		errorMsg := ""
		if t.ErrorMessage != nil {
			errorMsg = *t.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", t.Topic, errorMsg, t.ErrorCode)
	}
	return nil
}
