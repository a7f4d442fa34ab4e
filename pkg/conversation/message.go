package conversation

import "strings"

// Role tags a message with its conversational origin.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a conversation history. Messages
// are immutable once constructed.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewMessage trims the content and returns the message plus whether it
// is usable: blank content or an unknown role yields ok=false.
func NewMessage(role, content string) (Message, bool) {
	r, ok := ParseRole(role)
	if !ok {
		return Message{}, false
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, false
	}
	return Message{Role: r, Content: content}, true
}

// ParseRole normalizes a raw role string.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleSystem:
		return RoleSystem, true
	case RoleUser:
		return RoleUser, true
	case RoleAssistant:
		return RoleAssistant, true
	default:
		return "", false
	}
}
