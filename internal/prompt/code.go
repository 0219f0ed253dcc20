package prompt

import (
	"fmt"

	pongo "github.com/flosch/pongo2/v6"
)

const codeTemplateSource = "[INST] Write code to solve the following coding problem that obeys " +
	"the constraints and passes the example test cases. Please wrap your code answer " +
	"using ```:\n{{ problem|safe }}\n[/INST]"

var codeTemplate = pongo.Must(pongo.FromString(codeTemplateSource))

// CodePrompt wraps a single coding problem in the Llama-2 instruction markers.
// It carries no history and no system block.
func CodePrompt(problem string) (string, error) {
	out, err := codeTemplate.Execute(pongo.Context{"problem": problem})
	if err != nil {
		return "", fmt.Errorf("render code prompt: %w", err)
	}
	return out, nil
}
