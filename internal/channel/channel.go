// Package channel receives chat messages from messaging platforms and puts
// them on the inbound bus.
package channel

import (
	"context"

	"github.com/stellarlinkco/memokeeper/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// BaseChannel holds the bus and the chat allowlist shared by channels.
type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	allowed map[int64]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowChats []int64) BaseChannel {
	allowed := make(map[int64]struct{}, len(allowChats))
	for _, id := range allowChats {
		allowed[id] = struct{}{}
	}
	return BaseChannel{name: name, bus: b, allowed: allowed}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether chatID may be processed. An empty allowlist
// allows every chat.
func (c *BaseChannel) IsAllowed(chatID int64) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[chatID]
	return ok
}

// deliver blocks until the bus takes msg or ctx ends.
func (c *BaseChannel) deliver(ctx context.Context, msg bus.InboundMessage) bool {
	select {
	case c.bus.Inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
