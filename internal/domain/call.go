package domain

import "fmt"

// CallType represents type of call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ParseCallType validates a call kind coming from presentation code.
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallTypeAudio, CallTypeVideo:
		return CallType(s), nil
	}
	return "", fmt.Errorf("unknown call type %q", s)
}

// CallStatus is the backend-reported status of a call session
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusOngoing    CallStatus = "ongoing"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusCancelled  CallStatus = "cancelled"
	CallStatusBusy       CallStatus = "busy"
	CallStatusUnanswered CallStatus = "unanswered"
	CallStatusEnded      CallStatus = "ended"
)

// Terminal reports whether no further transitions are possible from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusRejected, CallStatusCancelled, CallStatusBusy, CallStatusUnanswered, CallStatusEnded:
		return true
	}
	return false
}

// CallSession is one audio/video call attempt.
type CallSession struct {
	SessionID         string     `json:"session_id"`
	CallType          CallType   `json:"call_type"`
	InitiatorUID      string     `json:"initiator_uid"`
	ReceiverUID       string     `json:"receiver_uid"`
	ReceiverAvatarRef string     `json:"receiver_avatar_ref,omitempty"`
	Status            CallStatus `json:"status"`
	StartedAt         int64      `json:"started_at"`
	EndedAt           *int64     `json:"ended_at,omitempty"`
}

// Peer returns the other participant from self's point of view.
func (c CallSession) Peer(self string) string {
	if c.InitiatorUID == self {
		return c.ReceiverUID
	}
	return c.InitiatorUID
}

// CallState is the controller-side state of a session id
type CallState string

const (
	CallStateNone       CallState = "NONE"
	CallStateOfferedOut CallState = "OFFERED_OUT"
	CallStateOfferedIn  CallState = "OFFERED_IN"
	CallStateConnected  CallState = "CONNECTED"
)

// CallEvent is a normalized push notification about a call
type CallEvent string

const (
	CallEventIncoming          CallEvent = "incoming"
	CallEventOutgoingAccepted  CallEvent = "outgoing-accepted"
	CallEventOutgoingRejected  CallEvent = "outgoing-rejected"
	CallEventIncomingCancelled CallEvent = "incoming-cancelled"
	CallEventEnded             CallEvent = "call-ended"
)
