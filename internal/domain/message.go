package domain

// MessageKind classifies a timeline entry
type MessageKind string

const (
	MessageKindText       MessageKind = "text"
	MessageKindAudioEvent MessageKind = "audio-event"
	MessageKindVideoEvent MessageKind = "video-event"
	MessageKindProduct    MessageKind = "product"
	MessageKindMedia      MessageKind = "media"
	MessageKindCustom     MessageKind = "custom"
)

// DeliveryStatus of a message as last reported by the service
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// Message is one immutable timeline entry.
// Edits are modeled as a new value with the same ID replacing the old one.
type Message struct {
	ID             string         `json:"id"`
	Text           string         `json:"text"`
	Kind           MessageKind    `json:"kind"`
	SenderUID      string         `json:"sender_uid"`
	ReceiverUID    string         `json:"receiver_uid"`
	SentAt         int64          `json:"sent_at"` // epoch seconds
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Between reports whether the message belongs to the one-to-one conversation of a and b.
func (m Message) Between(a, b string) bool {
	return (m.SenderUID == a && m.ReceiverUID == b) || (m.SenderUID == b && m.ReceiverUID == a)
}

// CallEventKind maps a call type to the timeline kind used for its status entries.
func CallEventKind(t CallType) MessageKind {
	if t == CallTypeAudio {
		return MessageKindAudioEvent
	}
	return MessageKindVideoEvent
}
