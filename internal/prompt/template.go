package prompt

import (
	"fmt"

	pongo "github.com/flosch/pongo2/v6"
)

func init() {
	// Chat templates emit raw control tokens such as <s>; HTML escaping would
	// corrupt them.
	pongo.SetAutoescape(false)
}

// TemplateFormatter renders conversations through a Jinja chat template in the
// style of Hugging Face tokenizer configs. It is used for families that have no
// built-in Policy.
type TemplateFormatter struct {
	policy Policy
	tpl    *pongo.Template
}

// NewTemplateFormatter compiles source. BOS, EOS and DefaultSystemPrompt are
// taken from policy; the instruction and system markers are ignored.
func NewTemplateFormatter(source string, policy Policy) (*TemplateFormatter, error) {
	tpl, err := pongo.FromString(source)
	if err != nil {
		return nil, fmt.Errorf("compile chat template: %w", err)
	}
	return &TemplateFormatter{policy: policy, tpl: tpl}, nil
}

func (f *TemplateFormatter) Format(turns []Turn) (string, error) {
	if len(turns) == 0 || turns[len(turns)-1].Role != RoleUser {
		return "", ErrIncompleteConversation
	}
	if f.policy.DefaultSystemPrompt != "" {
		turns = EnsureSystemPrompt(turns, f.policy)
	}
	messages := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, map[string]any{
			"role":    string(t.Role),
			"content": t.Content,
		})
	}
	out, err := f.tpl.Execute(pongo.Context{
		"messages":              messages,
		"bos_token":             f.policy.BOS,
		"eos_token":             f.policy.EOS,
		"add_generation_prompt": true,
	})
	if err != nil {
		return "", fmt.Errorf("render chat template: %w", err)
	}
	return out, nil
}

// ChatMLTemplate is a ready-made template for ChatML-served models.
const ChatMLTemplate = `{% for message in messages %}<|im_start|>{{ message.role }}
{{ message.content }}<|im_end|>
{% endfor %}{% if add_generation_prompt %}<|im_start|>assistant
{% endif %}`
