// Package chat implements the chat-completion adapter. The image travels as
// an inline data URI inside the user message and the model is asked to
// answer with a JSON object carrying caption and tags.
package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/codec"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/tokens"
)

const defaultAPIVersion = "2024-06-01"

// Adapter builds chat-completion requests and parses their responses.
type Adapter struct {
	deployment   string
	apiVersion   string
	systemPrompt string
	maxTokens    int
	temperature  float64
	tokens       *tokens.Registry
}

var _ ports.Adapter = (*Adapter)(nil)

// New creates a chat adapter from provider configuration. counter may be nil,
// in which case missing usage is reported as zero.
func New(pc config.ProviderConfig, counter *tokens.Registry) *Adapter {
	apiVersion := pc.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &Adapter{
		deployment:   pc.Deployment,
		apiVersion:   apiVersion,
		systemPrompt: pc.SystemPrompt,
		maxTokens:    pc.MaxTokens,
		temperature:  pc.Temperature,
		tokens:       counter,
	}
}

func (a *Adapter) Kind() domain.AdapterKind { return domain.AdapterChat }

// Request types

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Response types

type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type ResponseMessage struct {
	Role string `json:"role"`
	// Content is either a string or a list of typed parts.
	Content json.RawMessage `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// URL returns the completion URL for base. With a deployment configured the
// Azure-style deployment path and api-version query are used.
func (a *Adapter) URL(base string) string {
	base = strings.TrimSuffix(base, "/")
	if a.deployment == "" {
		return base + "/chat/completions"
	}
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		base, url.PathEscape(a.deployment), url.QueryEscape(a.apiVersion))
}

func (a *Adapter) BuildRequest(spec domain.ProviderCallSpec, payload domain.PreparedPayload, prompt string) (*domain.WireRequest, error) {
	var messages []Message
	if a.systemPrompt != "" {
		messages = append(messages, Message{
			Role:    "system",
			Content: []ContentPart{{Type: "text", Text: a.systemPrompt}},
		})
	}
	messages = append(messages, Message{
		Role: "user",
		Content: []ContentPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &ImageURL{URL: payload.DataURI()}},
		},
	})

	body, err := json.Marshal(Request{
		Model:       spec.Model,
		Messages:    messages,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	return &domain.WireRequest{
		Method: http.MethodPost,
		URL:    a.URL(spec.Endpoint),
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}, nil
}

func (a *Adapter) ParseResponse(body []byte) (*domain.AdapterResult, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.ErrParse(err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.ErrParse(fmt.Errorf("response has no choices"))
	}

	text, err := contentText(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, domain.ErrParse(err)
	}

	obj, err := codec.ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}

	result := &domain.AdapterResult{
		Caption: codec.StringField(obj, "caption"),
		Tags:    codec.StringList(obj, "tags"),
		Raw:     json.RawMessage(body),
	}
	switch {
	case resp.Usage != nil:
		result.Usage = domain.TokenUsage{Input: resp.Usage.PromptTokens, Output: resp.Usage.CompletionTokens}
	case a.tokens != nil:
		result.Usage = a.tokens.Estimate(resp.Model, []string{a.systemPrompt}, text)
	}
	return result, nil
}

// contentText flattens message content given as a string or a list of
// typed parts, keeping only text parts.
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unsupported message content: %w", err)
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}
