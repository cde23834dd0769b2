package realtime

import (
	"encoding/json"
	"fmt"

	"supportwidget-backend/internal/domain"
)

// Envelope kinds. This is the closed set of push shapes the backend emits.
const (
	KindMessage               = "message"
	KindCallIncoming          = "call.incoming"
	KindCallOutgoingAccepted  = "call.outgoing-accepted"
	KindCallOutgoingRejected  = "call.outgoing-rejected"
	KindCallIncomingCancelled = "call.incoming-cancelled"
	KindCallEnded             = "call.ended"
)

// Wire message categories
const (
	CategoryMessage = "message"
	CategoryCall    = "call"
	CategoryCustom  = "custom"
)

// WireMessage is a message as the backend stores and pushes it
type WireMessage struct {
	ID          string         `json:"id"`
	Category    string         `json:"category"`
	Type        string         `json:"type"` // text, image, file, audio, video, product, ...
	Text        string         `json:"text,omitempty"`
	Sender      string         `json:"sender"`
	Receiver    string         `json:"receiver"`
	SentAt      int64          `json:"sent_at"`
	DeliveredAt int64          `json:"delivered_at,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// WireCall is a call notification as the backend pushes it
type WireCall struct {
	Kind           string `json:"kind"`
	SessionID      string `json:"session_id"`
	Type           string `json:"type"`
	Initiator      string `json:"initiator"`
	Receiver       string `json:"receiver"`
	ReceiverAvatar string `json:"receiver_avatar,omitempty"`
	Status         string `json:"status"`
	InitiatedAt    int64  `json:"initiated_at"`
	EndedAt        int64  `json:"ended_at,omitempty"`
}

// Envelope is one frame on a push channel
type Envelope struct {
	Kind    string       `json:"kind"`
	Message *WireMessage `json:"message,omitempty"`
	Call    *WireCall    `json:"call,omitempty"`
}

// Encode serializes an envelope for publishing
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a push frame and checks it carries the payload its kind needs
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case KindMessage:
		if env.Message == nil {
			return Envelope{}, fmt.Errorf("envelope %q without message", env.Kind)
		}
	case KindCallIncoming, KindCallOutgoingAccepted, KindCallOutgoingRejected,
		KindCallIncomingCancelled, KindCallEnded:
		if env.Call == nil {
			return Envelope{}, fmt.Errorf("envelope %q without call", env.Kind)
		}
		env.Call.Kind = env.Kind
	default:
		return Envelope{}, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return env, nil
}

// MessageEnvelope wraps a message for publishing
func MessageEnvelope(m WireMessage) Envelope {
	return Envelope{Kind: KindMessage, Message: &m}
}

// CallEnvelope wraps a call notification for publishing
func CallEnvelope(kind string, c WireCall) Envelope {
	c.Kind = kind
	return Envelope{Kind: kind, Call: &c}
}

// ToMessage normalizes a wire message into a timeline entry
func ToMessage(w WireMessage) (domain.Message, error) {
	if w.ID == "" {
		return domain.Message{}, fmt.Errorf("message without id")
	}

	m := domain.Message{
		ID:             w.ID,
		Text:           w.Text,
		Kind:           messageKind(w.Category, w.Type),
		SenderUID:      w.Sender,
		ReceiverUID:    w.Receiver,
		SentAt:         w.SentAt,
		DeliveryStatus: domain.DeliverySent,
		Metadata:       w.Data,
	}
	if w.DeliveredAt > 0 {
		m.DeliveryStatus = domain.DeliveryDelivered
	}
	return m, nil
}

func messageKind(category, typ string) domain.MessageKind {
	switch category {
	case CategoryCall:
		if typ == string(domain.CallTypeAudio) {
			return domain.MessageKindAudioEvent
		}
		return domain.MessageKindVideoEvent
	case CategoryCustom:
		if typ == "product" {
			return domain.MessageKindProduct
		}
		return domain.MessageKindCustom
	case CategoryMessage:
		switch typ {
		case "", "text":
			return domain.MessageKindText
		case "image", "file", "audio", "video":
			return domain.MessageKindMedia
		}
	}
	return domain.MessageKindCustom
}

// FromMessage is the inverse of ToMessage for backends that store domain messages
func FromMessage(m domain.Message) WireMessage {
	w := WireMessage{
		ID:       m.ID,
		Category: CategoryMessage,
		Type:     "text",
		Text:     m.Text,
		Sender:   m.SenderUID,
		Receiver: m.ReceiverUID,
		SentAt:   m.SentAt,
		Data:     m.Metadata,
	}
	switch m.Kind {
	case domain.MessageKindAudioEvent:
		w.Category, w.Type = CategoryCall, string(domain.CallTypeAudio)
	case domain.MessageKindVideoEvent:
		w.Category, w.Type = CategoryCall, string(domain.CallTypeVideo)
	case domain.MessageKindProduct:
		w.Category, w.Type = CategoryCustom, "product"
	case domain.MessageKindCustom:
		w.Category, w.Type = CategoryCustom, "custom"
	case domain.MessageKindMedia:
		w.Type = "file"
	}
	if m.DeliveryStatus == domain.DeliveryDelivered {
		w.DeliveredAt = m.SentAt
	}
	return w
}

// ToCallSession normalizes a wire call into a session record
func ToCallSession(w WireCall) (domain.CallSession, error) {
	if w.SessionID == "" {
		return domain.CallSession{}, fmt.Errorf("call without session id")
	}
	callType, err := domain.ParseCallType(w.Type)
	if err != nil {
		return domain.CallSession{}, err
	}

	cs := domain.CallSession{
		SessionID:         w.SessionID,
		CallType:          callType,
		InitiatorUID:      w.Initiator,
		ReceiverUID:       w.Receiver,
		ReceiverAvatarRef: w.ReceiverAvatar,
		Status:            domain.CallStatus(w.Status),
		StartedAt:         w.InitiatedAt,
	}
	if w.EndedAt > 0 {
		ended := w.EndedAt
		cs.EndedAt = &ended
	}
	return cs, nil
}

// FromCallSession builds the wire shape for a session record
func FromCallSession(cs domain.CallSession) WireCall {
	w := WireCall{
		SessionID:      cs.SessionID,
		Type:           string(cs.CallType),
		Initiator:      cs.InitiatorUID,
		Receiver:       cs.ReceiverUID,
		ReceiverAvatar: cs.ReceiverAvatarRef,
		Status:         string(cs.Status),
		InitiatedAt:    cs.StartedAt,
	}
	if cs.EndedAt != nil {
		w.EndedAt = *cs.EndedAt
	}
	return w
}

// ToCallEvent maps a wire call's kind tag onto the controller's event set
func ToCallEvent(w WireCall) (domain.CallEvent, domain.CallSession, error) {
	var ev domain.CallEvent
	switch w.Kind {
	case KindCallIncoming:
		ev = domain.CallEventIncoming
	case KindCallOutgoingAccepted:
		ev = domain.CallEventOutgoingAccepted
	case KindCallOutgoingRejected:
		ev = domain.CallEventOutgoingRejected
	case KindCallIncomingCancelled:
		ev = domain.CallEventIncomingCancelled
	case KindCallEnded:
		ev = domain.CallEventEnded
	default:
		return "", domain.CallSession{}, fmt.Errorf("unknown call kind %q", w.Kind)
	}

	cs, err := ToCallSession(w)
	if err != nil {
		return "", domain.CallSession{}, err
	}
	return ev, cs, nil
}
