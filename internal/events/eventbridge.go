package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

// eventBridgeBatch is the PutEvents entry limit.
const eventBridgeBatch = 10

// DefaultSource is the EventBridge source of every entry.
const DefaultSource = "aimemory.engine"

// PutEventsAPI is the subset of [eventbridge.Client] used by EventBridgeSink.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeSink publishes events to an AWS EventBridge bus.
type EventBridgeSink struct {
	client  PutEventsAPI
	busName string
	source  string
}

var _ Sink = (*EventBridgeSink)(nil)

// NewEventBridgeSink loads the default AWS configuration (optionally pinned
// to region) and returns a sink for busName.
func NewEventBridgeSink(ctx context.Context, busName, region string) (*EventBridgeSink, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("events: eventbridge: load aws config: %w", err)
	}
	return NewEventBridgeSinkWithClient(eventbridge.NewFromConfig(cfg), busName), nil
}

// NewEventBridgeSinkWithClient returns a sink using client.
func NewEventBridgeSinkWithClient(client PutEventsAPI, busName string) *EventBridgeSink {
	return &EventBridgeSink{client: client, busName: busName, source: DefaultSource}
}

// Send implements [Sink], issuing one PutEvents call per ten events.
func (s *EventBridgeSink) Send(ctx context.Context, batch []Event) error {
	for i := 0; i < len(batch); i += eventBridgeBatch {
		end := min(i+eventBridgeBatch, len(batch))
		if err := s.put(ctx, batch[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventBridgeSink) put(ctx context.Context, batch []Event) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(batch))
	for _, e := range batch {
		detail, err := json.Marshal(e)
		if err != nil {
			slog.Warn("events: eventbridge: marshal event", "type", e.Type, "error", err)
			continue
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(s.busName),
			Source:       aws.String(s.source),
			DetailType:   aws.String(string(e.Type)),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(e.Time),
		})
	}
	if len(entries) == 0 {
		return nil
	}

	out, err := s.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return fmt.Errorf("events: eventbridge: put events: %w", err)
	}
	if out.FailedEntryCount > 0 {
		for i, entry := range out.Entries {
			if entry.ErrorCode != nil && i < len(batch) {
				slog.Warn("events: eventbridge: entry rejected",
					"type", batch[i].Type,
					"code", aws.ToString(entry.ErrorCode),
					"message", aws.ToString(entry.ErrorMessage))
			}
		}
		return fmt.Errorf("events: eventbridge: %d of %d entries failed", out.FailedEntryCount, len(entries))
	}
	return nil
}
