package domain

// Page is the widget screen selected from settings
type Page string

const (
	PageEmailCapture Page = "email-capture"
	PageChat         Page = "chat"
	PageAIChat       Page = "ai-chat"
)

// Chat priorities
const (
	PriorityHuman = "human"
	PriorityAI    = "ai"
)

// WidgetSettings is the inbound configuration from the settings collaborator.
// Only InitialPage and IsAIPriority are consumed by the session core.
type WidgetSettings struct {
	TextColor       string `json:"text_color"`
	FontFamily      string `json:"font_family"`
	ChatPriority    string `json:"chat_priority"`
	EmailCapture    bool   `json:"email_capture"`
	BackgroundColor string `json:"widget_background_color"`
	AIOnly          *bool  `json:"ai_only,omitempty"`
}

// InitialPage picks the first screen.
// Precedence: email capture, then ai_only, then chat_priority.
func (s WidgetSettings) InitialPage() Page {
	switch {
	case s.EmailCapture:
		return PageEmailCapture
	case s.AIOnly != nil && *s.AIOnly:
		return PageAIChat
	case s.ChatPriority == PriorityHuman:
		return PageChat
	default:
		return PageAIChat
	}
}

// IsAIPriority reports whether conversations route to the assistant first.
func (s WidgetSettings) IsAIPriority() bool {
	return s.ChatPriority == PriorityAI
}
