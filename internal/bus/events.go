package bus

import (
	"fmt"
	"time"
)

// InboundMessage is one chat message as delivered by a channel. Channels may
// deliver the same message more than once.
type InboundMessage struct {
	ChatID        int64
	MessageID     int64
	SenderID      int64
	Text          string
	Timestamp     float64 // unix seconds
	ForwardFromID *int64
	// MentionedUserIDs holds users referenced by id in the text (Telegram text_mention entities).
	MentionedUserIDs []int64
}

func (m InboundMessage) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

func (m InboundMessage) String() string {
	return fmt.Sprintf("%d/%d", m.ChatID, m.MessageID)
}

// MessageBus carries inbound messages from channels to the pipeline.
type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{Inbound: make(chan InboundMessage, bufSize)}
}
