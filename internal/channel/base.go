// Package channel implements the chat-platform transports. Only Telegram is
// wired today; the Channel interface keeps the gateway transport-agnostic.
package channel

import (
	"context"

	"github.com/arcanalab/arcana/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries the pieces every transport shares.
type BaseChannel struct {
	name string
	bus  *bus.MessageBus
}

func NewBaseChannel(name string, b *bus.MessageBus) BaseChannel {
	return BaseChannel{name: name, bus: b}
}

func (b *BaseChannel) Name() string {
	return b.name
}
