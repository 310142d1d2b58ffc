package agent

import (
	"bytes"
	_ "embed"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
)

//go:embed prompt/system.md
var systemPromptRaw string

var systemPromptTmpl = template.Must(template.New("system").Parse(systemPromptRaw))

const responseInstruction = "Remember: reply strictly with a JSON object that follows the given schema. Do not write anything else."

func buildPrompt(s State) (*model.Prompt, error) {
	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, struct {
		ExtraContext string
	}{
		ExtraContext: s.ExtraContext,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to render system prompt")
	}

	return &model.Prompt{
		System:      buf.String(),
		History:     s.History,
		Instruction: responseInstruction,
	}, nil
}
