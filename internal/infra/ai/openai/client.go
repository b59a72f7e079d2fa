package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

const defaultMaxTokens = 2048

// Config selects a model per stage.
type Config struct {
	BaseURL         string
	ExtractionModel string
	ThreatModel     string
	MitigationModel string
	MaxTokens       int
	// MaxToolRounds bounds tool calling in mitigation research.
	MaxToolRounds int
}

// Client builds a short-lived API client per call from the run's credentials,
// so no key outlives the request that supplied it.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.ExtractionModel == "" {
		cfg.ExtractionModel = "gpt-4o"
	}
	if cfg.ThreatModel == "" {
		cfg.ThreatModel = "gpt-4o-mini"
	}
	if cfg.MitigationModel == "" {
		cfg.MitigationModel = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 4
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (c *Client) api(creds threatmodel.Credentials) (*openai.Client, error) {
	key := creds.Get(threatmodel.KeyOpenAI)
	if key == "" {
		return nil, &threatmodel.ConfigurationError{Key: threatmodel.KeyOpenAI, Message: "OpenAI API key is required"}
	}
	conf := openai.DefaultConfig(key)
	if c.cfg.BaseURL != "" {
		conf.BaseURL = c.cfg.BaseURL
	}
	conf.HTTPClient = c.http
	return openai.NewClientWithConfig(conf), nil
}

type completion struct {
	model    string
	messages []openai.ChatCompletionMessage
	tools    []openai.Tool
	// toolChoice is passed through when tools are set.
	toolChoice any
}

// complete runs one chat completion and returns the first choice's message.
func (c *Client) complete(ctx context.Context, creds threatmodel.Credentials, in completion) (openai.ChatCompletionMessage, error) {
	api, err := c.api(creds)
	if err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	req := openai.ChatCompletionRequest{
		Model: in.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: in.messages,
	}
	if len(in.tools) > 0 {
		req.Tools = in.tools
		req.ToolChoice = in.toolChoice
	}
	// For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
	if isReasoningModel(in.model) {
		req.MaxCompletionTokens = c.cfg.MaxTokens
	} else {
		req.MaxTokens = c.cfg.MaxTokens
	}

	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionMessage{}, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, fmt.Errorf("%w: completion has no choices", threatmodel.ErrMalformedOutput)
	}
	return resp.Choices[0].Message, nil
}

func isReasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func mapError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("failed to create chat completion: %w: %w", threatmodel.ErrQuotaExceeded, err)
	}
	return fmt.Errorf("failed to create chat completion: %w", err)
}
