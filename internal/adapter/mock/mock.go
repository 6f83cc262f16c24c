// Package mock implements an offline adapter and transport pair. Every call
// answers with the same canned caption, so the gateway can run end to end
// without provider credentials.
package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
)

// Canned answer and usage reported for every call.
const (
	Caption      = "Sushi is arranged on the table."
	InputTokens  = 50
	OutputTokens = 30
)

// Tags returns the canned tags.
func Tags() []string { return []string{"sushi", "table", "food"} }

// reply is the body the mock transport echoes back.
type reply struct {
	Caption string            `json:"caption"`
	Tags    []string          `json:"tags"`
	Usage   domain.TokenUsage `json:"usage"`
}

type Adapter struct{}

var _ ports.Adapter = (*Adapter)(nil)

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Kind() domain.AdapterKind { return domain.AdapterMock }

// BuildRequest places the canned reply in the request body; Transport echoes
// it back. The payload and prompt are ignored.
func (a *Adapter) BuildRequest(spec domain.ProviderCallSpec, _ domain.PreparedPayload, _ string) (*domain.WireRequest, error) {
	body, err := json.Marshal(reply{
		Caption: Caption,
		Tags:    Tags(),
		Usage:   domain.TokenUsage{Input: InputTokens, Output: OutputTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal mock reply: %w", err)
	}
	return &domain.WireRequest{
		Method: http.MethodPost,
		URL:    "mock://" + url.PathEscape(spec.Name),
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}, nil
}

func (a *Adapter) ParseResponse(body []byte) (*domain.AdapterResult, error) {
	var r reply
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, domain.ErrParse(err)
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return &domain.AdapterResult{
		Caption: r.Caption,
		Tags:    r.Tags,
		Usage:   r.Usage,
		Raw:     json.RawMessage(`{}`),
	}, nil
}

// Transport answers in process by echoing the request body.
type Transport struct{}

var _ ports.Transport = Transport{}

func (Transport) Send(ctx context.Context, req *domain.WireRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bytes.Clone(req.Body), nil
}
