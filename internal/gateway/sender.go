package gateway

import "github.com/arcanalab/arcana/internal/bus"

// busSender adapts the message bus to the Sender interfaces of the reading
// controller and the follow-up scheduler.
type busSender struct {
	b *bus.MessageBus
}

func (s *busSender) SendText(chatID int64, text string) {
	s.b.Outbound <- bus.OutboundMessage{Channel: "telegram", ChatID: chatID, Content: text}
}

func (s *busSender) SendPhoto(chatID int64, path, caption string) {
	s.b.Outbound <- bus.OutboundMessage{Channel: "telegram", ChatID: chatID, Content: caption, PhotoPath: path}
}

func (s *busSender) SendPaywall(chatID int64, text string) {
	s.b.Outbound <- bus.OutboundMessage{Channel: "telegram", ChatID: chatID, Content: text, Keyboard: bus.KeyboardPurchase}
}
