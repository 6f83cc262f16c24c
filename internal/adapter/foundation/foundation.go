// Package foundation implements the managed foundation-model adapter: a
// messages-style envelope with the image as a base64 block, posted to the
// model invocation path.
package foundation

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

// AnthropicVersion is the envelope version expected by the invocation API.
const AnthropicVersion = "bedrock-2023-05-31"

type Adapter struct {
	systemPrompt string
	maxTokens    int
	temperature  float64
	tokens       *tokens.Registry
}

var _ ports.Adapter = (*Adapter)(nil)

// New creates a foundation-model adapter. counter may be nil.
func New(pc config.ProviderConfig, counter *tokens.Registry) *Adapter {
	return &Adapter{
		systemPrompt: pc.SystemPrompt,
		maxTokens:    pc.MaxTokens,
		temperature:  pc.Temperature,
		tokens:       counter,
	}
}

func (a *Adapter) Kind() domain.AdapterKind { return domain.AdapterFoundation }

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type Request struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature,omitempty"`
	System           string    `json:"system,omitempty"`
	Messages         []Message `json:"messages"`
}

type Response struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// URL returns the invocation URL for model under base.
func URL(base, model string) string {
	return strings.TrimSuffix(base, "/") + "/model/" + url.PathEscape(model) + "/invoke"
}

func (a *Adapter) BuildRequest(spec domain.ProviderCallSpec, payload domain.PreparedPayload, prompt string) (*domain.WireRequest, error) {
	if spec.Model == "" {
		return nil, domain.ErrConfig("foundation adapter requires a model")
	}

	body, err := json.Marshal(Request{
		AnthropicVersion: AnthropicVersion,
		MaxTokens:        a.maxTokens,
		Temperature:      a.temperature,
		System:           a.systemPrompt,
		Messages: []Message{{
			Role: "user",
			Content: []ContentBlock{
				{Type: "image", Source: &ImageSource{
					Type:      "base64",
					MediaType: payload.MimeType(),
					Data:      payload.Base64(),
				}},
				{Type: "text", Text: prompt},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal foundation request: %w", err)
	}

	return &domain.WireRequest{
		Method: http.MethodPost,
		URL:    URL(spec.Endpoint, spec.Model),
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"Accept":       []string{"application/json"},
		},
		Body: body,
	}, nil
}

func (a *Adapter) ParseResponse(body []byte) (*domain.AdapterResult, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.ErrParse(err)
	}
	if resp.Content == nil {
		return nil, domain.ErrParse(fmt.Errorf("response has no content list"))
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()

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
		result.Usage = domain.TokenUsage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}
	case a.tokens != nil:
		result.Usage = a.tokens.Estimate(resp.Model, []string{a.systemPrompt}, text)
	}
	return result, nil
}
