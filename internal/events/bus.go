package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gookitEvent "github.com/gookit/event"
)

// Node health transitions
const (
	NodeDown      = "node.down"
	NodeRecovered = "node.recovered"
)

// NodeEvent describes a node health transition
type NodeEvent struct {
	NodeID              int64
	NodeName            string
	ConsecutiveFailures int
	Error               string
	At                  time.Time
}

// Handler reacts to a node event
type Handler func(ctx context.Context, ev NodeEvent) error

// Bus dispatches node events synchronously to subscribers
type Bus struct {
	manager *gookitEvent.Manager
	logger  *slog.Logger
}

// NewBus creates an event bus
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		manager: gookitEvent.NewManager("vpn-node-balancer"),
		logger:  logger,
	}
}

// Publish fires an event and waits for all subscribers
func (b *Bus) Publish(ctx context.Context, name string, ev NodeEvent) error {
	b.logger.Debug("publishing node event",
		slog.String("event", name),
		slog.Int64("node_id", ev.NodeID),
	)

	err, _ := b.manager.Fire(name, gookitEvent.M{"payload": ev, "ctx": ctx})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// Subscribe registers a handler. A failing handler is logged and does not
// stop the remaining subscribers.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.manager.On(name, gookitEvent.ListenerFunc(func(e gookitEvent.Event) error {
		ev, ok := e.Get("payload").(NodeEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", e.Get("payload"), name)
		}

		ctx, ok := e.Get("ctx").(context.Context)
		if !ok {
			ctx = context.Background()
		}

		if err := handler(ctx, ev); err != nil {
			b.logger.Error("node event handler failed",
				slog.String("event", name),
				slog.Int64("node_id", ev.NodeID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}), gookitEvent.Normal)
}

// Close removes all subscribers
func (b *Bus) Close() {
	b.manager.Clear()
}
