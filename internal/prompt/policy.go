package prompt

import (
	"fmt"
	"strings"
)

// Policy holds the control tokens and default system prompt of one model
// family. Policies are plain values and are never mutated after declaration.
type Policy struct {
	Family              string
	BInst               string
	EInst               string
	BSys                string
	ESys                string
	BOS                 string
	EOS                 string
	DefaultSystemPrompt string
}

const llama2SystemPrompt = "You are a helpful, respectful and honest assistant. " +
	"Always answer as helpfully as possible, while being safe. Please ensure that your responses " +
	"are socially unbiased and positive in nature. If a question does not make any sense, " +
	"or is not factually coherent, explain why instead of answering something not correct. " +
	"If you don't know the answer to a question, please don't share false information."

var (
	Llama2 = Policy{
		Family:              "llama2",
		BInst:               "[INST]",
		EInst:               "[/INST]",
		BSys:                "<<SYS>>\n",
		ESys:                "\n<</SYS>>\n\n",
		BOS:                 "<s>",
		EOS:                 "</s>",
		DefaultSystemPrompt: llama2SystemPrompt,
	}

	CodeLlama = Policy{
		Family:              "codellama",
		BInst:               "[INST]",
		EInst:               "[/INST]",
		BSys:                "<<SYS>>\n",
		ESys:                "\n<</SYS>>\n\n",
		BOS:                 "<s>",
		EOS:                 "</s>",
		DefaultSystemPrompt: "You are a helpful, respectful and honest code assistant.",
	}

	// Mistral instruct models have no system block markers; the system
	// prompt is simply separated from the first user message by a newline.
	Mistral = Policy{
		Family: "mistral",
		BInst:  "[INST]",
		EInst:  "[/INST]",
		BSys:   "",
		ESys:   "\n",
		BOS:    "<s>",
		EOS:    "</s>",
		DefaultSystemPrompt: "You are a helpful, respectful and honest assistant. " +
			"Always answer as helpfully as possible, while being safe.",
	}
)

var policies = []Policy{Llama2, CodeLlama, Mistral}

var aliases = map[string]string{
	"llama2":           "llama2",
	"llama-2":          "llama2",
	"llama2-chat":      "llama2",
	"llama-2-chat":     "llama2",
	"codellama":        "codellama",
	"code-llama":       "codellama",
	"mistral":          "mistral",
	"mistral-instruct": "mistral",
}

// UnknownFamilyError is returned by LookupPolicy for unregistered families.
type UnknownFamilyError struct {
	Family string
}

func (e *UnknownFamilyError) Error() string {
	return fmt.Sprintf("unknown prompt family %q", e.Family)
}

// LookupPolicy resolves a family name or alias to its policy.
func LookupPolicy(name string) (Policy, error) {
	family, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if ok {
		for _, p := range policies {
			if p.Family == family {
				return p, nil
			}
		}
	}
	return Policy{}, &UnknownFamilyError{Family: name}
}

// Families lists the built-in family names.
func Families() []string {
	names := make([]string, 0, len(policies))
	for _, p := range policies {
		names = append(names, p.Family)
	}
	return names
}
