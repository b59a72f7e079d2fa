package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
	"github.com/bryanwahyu/deeptm/internal/infra/ai/prompt"
)

// Extractor is the relationship extraction stage.
type Extractor struct{ *Client }

var _ threatmodel.ExtractionStage = Extractor{}

type extractionOutput struct {
	Relationships []struct {
		Source      string `json:"source"`
		Target      string `json:"target"`
		Direction   string `json:"direction"`
		Description string `json:"description"`
	} `json:"relationships"`
	Context string `json:"context"`
}

func (e Extractor) Invoke(ctx context.Context, input string, sc threatmodel.StageContext) (threatmodel.Extraction, error) {
	msg, err := e.complete(ctx, sc.Credentials, completion{
		model: e.cfg.ExtractionModel,
		messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.ExtractionSystem()},
			{Role: openai.ChatMessageRoleUser, Content: prompt.ExtractionUser(input)},
		},
	})
	if err != nil {
		return threatmodel.Extraction{}, fmt.Errorf("%w: %w", threatmodel.ErrExtractionFailed, err)
	}

	var out extractionOutput
	if err := decodeJSON(msg.Content, &out); err != nil {
		return threatmodel.Extraction{}, fmt.Errorf("%w: %w", threatmodel.ErrExtractionFailed, err)
	}
	ext := threatmodel.Extraction{
		Relationships: make([]threatmodel.Relationship, 0, len(out.Relationships)),
		Context:       strings.TrimSpace(out.Context),
	}
	for _, r := range out.Relationships {
		if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" {
			continue
		}
		ext.Relationships = append(ext.Relationships, threatmodel.Relationship{
			Source:      strings.TrimSpace(r.Source),
			Target:      strings.TrimSpace(r.Target),
			Direction:   threatmodel.ParseDirection(r.Direction),
			Description: strings.TrimSpace(r.Description),
		})
	}
	return ext, nil
}

// ThreatGenerator is the per-relationship STRIDE stage.
type ThreatGenerator struct {
	*Client
	// NewID mints threat ids; nil uses threatmodel.NewThreatID.
	NewID func() threatmodel.ThreatID
}

var _ threatmodel.ThreatStage = ThreatGenerator{}

type threatOutput struct {
	Threats []struct {
		Category      string `json:"category"`
		Name          string `json:"name"`
		Impacts       string `json:"impacts"`
		Threat        string `json:"threat"`
		Severity      string `json:"severity"`
		Likelihood    string `json:"likelihood"`
		AttackVector  string `json:"attack_vector"`
		Prerequisites string `json:"prerequisites"`
	} `json:"threats"`
}

func (g ThreatGenerator) Invoke(ctx context.Context, rel threatmodel.Relationship, sc threatmodel.StageContext) ([]threatmodel.Threat, error) {
	msg, err := g.complete(ctx, sc.Credentials, completion{
		model: g.cfg.ThreatModel,
		messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.ThreatSystem()},
			{Role: openai.ChatMessageRoleUser, Content: prompt.ThreatUser(rel, sc.Shared)},
		},
	})
	if err != nil {
		return nil, err
	}

	var out threatOutput
	if err := decodeJSON(msg.Content, &out); err != nil {
		return nil, err
	}
	newID := g.NewID
	if newID == nil {
		newID = threatmodel.NewThreatID
	}
	threats := make([]threatmodel.Threat, 0, len(out.Threats))
	for _, t := range out.Threats {
		cat, err := threatmodel.ParseCategory(t.Category)
		if err != nil {
			return nil, err
		}
		threats = append(threats, threatmodel.Threat{
			ID:            newID(),
			Category:      cat,
			Name:          t.Name,
			Scope:         rel,
			Impacts:       t.Impacts,
			Description:   t.Threat,
			Severity:      t.Severity,
			Likelihood:    t.Likelihood,
			AttackVector:  t.AttackVector,
			Prerequisites: t.Prerequisites,
		})
	}
	return threats, nil
}

func decodeJSON(content string, v any) error {
	content = strings.TrimSpace(content)
	// some models still fence JSON despite the response format
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("%w: %w", threatmodel.ErrMalformedOutput, err)
	}
	return nil
}
