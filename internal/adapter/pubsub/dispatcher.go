// Package pubsub wraps the in-process watermill bus the daemon's components
// use to fan events out to the orchestrator, the dashboard WebSocket and the
// cloud sync loop without holding references to each other.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/agent-relay/relay/internal/domain/model"
)

// DaemonEventsTopic carries every model.DaemonEvent published in-process.
const DaemonEventsTopic = "relay.daemon.events"

// EventDispatcher is the high-level contract for daemon events. Handlers
// stay agnostic of the transport implementation.
type EventDispatcher interface {
	PublishDaemonEvent(ctx context.Context, ev model.DaemonEvent)
	Subscribe(ctx context.Context) (<-chan model.DaemonEvent, error)
	Close() error
}

type eventDispatcher struct {
	bus *gochannel.GoChannel
}

// NewEventDispatcher builds a dispatcher over watermill's GoChannel
// transport: purely in-process, one fan-out stream per subscriber.
func NewEventDispatcher(logger watermill.LoggerAdapter) EventDispatcher {
	bus := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, logger)
	return &eventDispatcher{bus: bus}
}

// PublishDaemonEvent is fire-and-forget: a broken bus must never stall the
// router, so marshalling or publish failures are dropped after best effort.
func (d *eventDispatcher) PublishDaemonEvent(ctx context.Context, ev model.DaemonEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	_ = d.bus.Publish(DaemonEventsTopic, msg)
}

// Subscribe returns a channel of decoded daemon events. The channel closes
// when ctx is cancelled or the bus shuts down.
func (d *eventDispatcher) Subscribe(ctx context.Context) (<-chan model.DaemonEvent, error) {
	msgs, err := d.bus.Subscribe(ctx, DaemonEventsTopic)
	if err != nil {
		return nil, fmt.Errorf("event dispatcher: subscribe: %w", err)
	}
	out := make(chan model.DaemonEvent, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev model.DaemonEvent
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *eventDispatcher) Close() error {
	return d.bus.Close()
}
