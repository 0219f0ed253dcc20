package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Message is implemented by framework-style typed chat messages.
type Message interface {
	MessageRole() Role
	MessageContent() string
}

// SystemMessage carries the system instructions for a conversation.
type SystemMessage struct{ Content string }

// HumanMessage is a message written by the user.
type HumanMessage struct{ Content string }

// AIMessage is a message produced by the model.
type AIMessage struct{ Content string }

func (m SystemMessage) MessageRole() Role      { return RoleSystem }
func (m SystemMessage) MessageContent() string { return m.Content }
func (m HumanMessage) MessageRole() Role       { return RoleUser }
func (m HumanMessage) MessageContent() string  { return m.Content }
func (m AIMessage) MessageRole() Role          { return RoleAssistant }
func (m AIMessage) MessageContent() string     { return m.Content }

// ErrMissingContent is returned when a mapped turn has no string content.
var ErrMissingContent = errors.New("turn content missing")

// UnknownRoleError reports a turn whose role could not be mapped.
type UnknownRoleError struct {
	Raw string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown turn role %q", e.Raw)
}

// ParseRole maps a role discriminator onto a Role. Matching ignores case and
// accepts the aliases used by common chat front-ends.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "system", "sys":
		return RoleSystem, nil
	case "user", "human":
		return RoleUser, nil
	case "assistant", "ai", "bot", "model":
		return RoleAssistant, nil
	}
	return "", &UnknownRoleError{Raw: raw}
}

// Normalize converts turns expressed as Turn values, typed messages or
// role/content maps into canonical turns.
func Normalize(raw []any) ([]Turn, error) {
	turns := make([]Turn, 0, len(raw))
	for i, item := range raw {
		turn, err := normalizeOne(item)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func normalizeOne(item any) (Turn, error) {
	switch v := item.(type) {
	case Turn:
		return checkTurn(v)
	case *Turn:
		if v == nil {
			return Turn{}, &UnknownRoleError{Raw: "<nil>"}
		}
		return checkTurn(*v)
	case Message:
		return Turn{Role: v.MessageRole(), Content: v.MessageContent()}, nil
	case map[string]string:
		role, err := ParseRole(v["role"])
		if err != nil {
			return Turn{}, err
		}
		content, ok := v["content"]
		if !ok {
			return Turn{}, ErrMissingContent
		}
		return Turn{Role: role, Content: content}, nil
	case map[string]any:
		rawRole, _ := v["role"].(string)
		role, err := ParseRole(rawRole)
		if err != nil {
			return Turn{}, err
		}
		content, ok := v["content"].(string)
		if !ok {
			return Turn{}, ErrMissingContent
		}
		return Turn{Role: role, Content: content}, nil
	}
	return Turn{}, &UnknownRoleError{Raw: fmt.Sprintf("%T", item)}
}

func checkTurn(t Turn) (Turn, error) {
	role, err := ParseRole(string(t.Role))
	if err != nil {
		return Turn{}, err
	}
	t.Role = role
	return t, nil
}
