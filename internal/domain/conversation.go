package domain

// ConversationSummary is one row of the recent conversations list
type ConversationSummary struct {
	PeerUID       string `json:"peer_uid"`
	PeerName      string `json:"peer_name"`
	AvatarRef     string `json:"avatar_ref,omitempty"`
	LastMessage   string `json:"last_message"`
	LastMessageAt int64  `json:"last_message_at"`
	Online        bool   `json:"online"`
	UnreadCount   int    `json:"unread_count"`
}
