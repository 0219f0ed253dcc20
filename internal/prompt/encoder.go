package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteConversation is returned when a conversation has no user turn
// after its system prompt.
var ErrIncompleteConversation = errors.New("conversation has no user turn")

// AlternationError reports a turn that breaks the user/assistant alternation.
// Index refers to the position after the system prompt has been merged into
// the first user turn.
type AlternationError struct {
	Index int
	Want  Role
	Got   Role
}

func (e *AlternationError) Error() string {
	return fmt.Sprintf("turn %d: expected %s turn, got %s", e.Index, e.Want, e.Got)
}

// Formatter turns a conversation into a single model prompt.
type Formatter interface {
	Format(turns []Turn) (string, error)
}

// Encoder formats conversations with a fixed policy. The zero value is not
// usable; construct it with NewEncoder.
type Encoder struct {
	policy Policy
}

func NewEncoder(policy Policy) Encoder {
	return Encoder{policy: policy}
}

func (e Encoder) Policy() Policy { return e.policy }

func (e Encoder) Format(turns []Turn) (string, error) {
	return Encode(turns, e.policy)
}

// EnsureSystemPrompt returns turns starting with a system turn, prepending the
// policy default when the conversation has none.
func EnsureSystemPrompt(turns []Turn, policy Policy) []Turn {
	if len(turns) > 0 && turns[0].Role == RoleSystem {
		return turns
	}
	out := make([]Turn, 0, len(turns)+1)
	out = append(out, Turn{Role: RoleSystem, Content: policy.DefaultSystemPrompt})
	return append(out, turns...)
}

// MergeSystem folds the leading system turn into the first user turn using the
// policy's system markers.
func MergeSystem(turns []Turn, policy Policy) ([]Turn, error) {
	if len(turns) < 2 {
		return nil, ErrIncompleteConversation
	}
	out := make([]Turn, 0, len(turns)-1)
	out = append(out, Turn{
		Role:    turns[1].Role,
		Content: policy.BSys + turns[0].Content + policy.ESys + turns[1].Content,
	})
	return append(out, turns[2:]...), nil
}

// checkAlternation expects user turns at even offsets, assistant turns at odd
// offsets and a trailing user turn.
func checkAlternation(turns []Turn) error {
	for i, t := range turns {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		if t.Role != want {
			return &AlternationError{Index: i, Want: want, Got: t.Role}
		}
	}
	if last := len(turns) - 1; turns[last].Role != RoleUser {
		return &AlternationError{Index: last + 1, Want: RoleUser, Got: ""}
	}
	return nil
}

// Encode renders a conversation into the wire prompt expected by the policy's
// model family. The first user content, which carries the system block, is
// inserted as is; all later contents are trimmed.
func Encode(turns []Turn, policy Policy) (string, error) {
	merged, err := MergeSystem(EnsureSystemPrompt(turns, policy), policy)
	if err != nil {
		return "", err
	}
	if err := checkAlternation(merged); err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 0; i+1 < len(merged); i += 2 {
		b.WriteString(policy.BOS)
		b.WriteString(policy.BInst)
		b.WriteByte(' ')
		b.WriteString(userContent(merged, i))
		b.WriteByte(' ')
		b.WriteString(policy.EInst)
		b.WriteByte(' ')
		b.WriteString(strings.TrimSpace(merged[i+1].Content))
		b.WriteByte(' ')
		b.WriteString(policy.EOS)
	}
	last := len(merged) - 1
	b.WriteString(policy.BOS)
	b.WriteString(policy.BInst)
	b.WriteByte(' ')
	b.WriteString(userContent(merged, last))
	b.WriteByte(' ')
	b.WriteString(policy.EInst)
	return b.String(), nil
}

func userContent(turns []Turn, i int) string {
	if i == 0 {
		return turns[0].Content
	}
	return strings.TrimSpace(turns[i].Content)
}

// EncodeRaw normalizes raw turns before encoding them.
func EncodeRaw(raw []any, policy Policy) (string, error) {
	turns, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	return Encode(turns, policy)
}
