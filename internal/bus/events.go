package bus

import (
	"strconv"
	"time"
)

type InboundKind string

const (
	KindText    InboundKind = "text"
	KindPhoto   InboundKind = "photo"
	KindVoice   InboundKind = "voice"
	KindCommand InboundKind = "command"
)

type InboundMessage struct {
	Channel   string
	SenderID  int64
	ChatID    int64
	Username  string
	FirstName string
	Kind      InboundKind
	Content   string
	Command   string // set when Kind == KindCommand, e.g. "start", "reset", "pro"
	Args      string // command arguments, e.g. the "ref_123" start payload
	Timestamp time.Time
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + strconv.FormatInt(m.ChatID, 10)
}

type Keyboard string

const (
	KeyboardNone     Keyboard = ""
	KeyboardPurchase Keyboard = "purchase"
)

type OutboundMessage struct {
	Channel   string
	ChatID    int64
	Content   string
	PhotoPath string // when set, send as photo with Content as caption
	Keyboard  Keyboard
}

// PaymentEvent is emitted by the transport when the payment provider settles
// a purchase. PaymentID is the provider's charge id and doubles as the
// idempotency key: the same event delivered twice must credit only once.
type PaymentEvent struct {
	Channel   string
	PayerID   int64
	ChatID    int64
	PaymentID string
	Package   string // e.g. "sub_week", "credits_3"
	Stars     int
}
