package domain

// Identity is the locally authenticated participant.
// Set once per authenticated session and cleared on logout.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	Status      string `json:"status,omitempty"` // online, offline
	Role        string `json:"role,omitempty"`
}

// Participant is a lightweight view of another user (agent, bot, visitor).
type Participant struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	Role        string `json:"role,omitempty"`
}
