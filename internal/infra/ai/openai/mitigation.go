package openai

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
	"github.com/bryanwahyu/deeptm/internal/infra/ai/prompt"
)

// Researcher is the mitigation research stage. It lets the model call the
// toolbox for up to MaxToolRounds rounds, then forces a final answer.
type Researcher struct {
	*Client
	Tools Toolbox
}

var _ threatmodel.MitigationStage = Researcher{}

type mitigationOutput struct {
	Content string   `json:"content"`
	Sources []string `json:"sources"`
}

func (r Researcher) Invoke(ctx context.Context, th threatmodel.Threat, sc threatmodel.StageContext) (threatmodel.Mitigation, error) {
	tb := r.Tools.available(sc.Credentials)
	tools := tb.definitions()
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt.MitigationSystem(len(tools) > 0)},
		{Role: openai.ChatMessageRoleUser, Content: prompt.MitigationUser(th, sc.Shared)},
	}

	for round := 0; ; round++ {
		final := round >= r.cfg.MaxToolRounds
		req := completion{model: r.cfg.MitigationModel, messages: messages}
		if len(tools) > 0 {
			req.tools = tools
			req.toolChoice = "auto"
			if final {
				req.toolChoice = "none"
			}
		}

		msg, err := r.complete(ctx, sc.Credentials, req)
		if err != nil {
			return threatmodel.Mitigation{}, err
		}
		if len(msg.ToolCalls) == 0 || final {
			return parseMitigation(msg.Content), nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			out, err := tb.call(ctx, sc.Credentials, call.Function)
			if err != nil {
				return threatmodel.Mitigation{}, err
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    out,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			})
		}
	}
}

// parseMitigation accepts the JSON answer, or falls back to the raw text
// when the model ignored the format.
func parseMitigation(content string) threatmodel.Mitigation {
	m := threatmodel.Mitigation{Sources: []string{}}
	var out mitigationOutput
	if err := decodeJSON(content, &out); err != nil {
		m.Content = strings.TrimSpace(content)
	} else {
		m.Content = strings.TrimSpace(out.Content)
		seen := make(map[string]bool, len(out.Sources))
		for _, s := range out.Sources {
			s = strings.TrimSpace(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			m.Sources = append(m.Sources, s)
		}
	}
	if m.Content == "" {
		m.Content = threatmodel.NoMitigationFound
	}
	return m
}
