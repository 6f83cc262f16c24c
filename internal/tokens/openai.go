package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TiktokenCounter counts tokens for OpenAI-family models, including Azure
// deployments of them, using tiktoken encodings.
type TiktokenCounter struct {
	matcher *ModelMatcher
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewTiktokenCounter creates a new tiktoken-backed counter.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		matcher: NewModelMatcher(
			// "o" prefixes cover the reasoning models
			[]string{"gpt-", "o1", "o3", "o4"},
			nil,
		),
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// tiktokenModels is ordered so longer prefixes win.
var tiktokenModels = []struct {
	prefix   string
	model    tokenizer.Model
	encoding tokenizer.Encoding
}{
	{"gpt-5", tokenizer.GPT5, tokenizer.O200kBase},
	{"gpt-4.1", tokenizer.GPT41, tokenizer.O200kBase},
	{"gpt-4o", tokenizer.GPT4o, tokenizer.O200kBase},
	{"o1", tokenizer.O1, tokenizer.O200kBase},
	{"o3", tokenizer.O3, tokenizer.O200kBase},
	{"o4", tokenizer.O4Mini, tokenizer.O200kBase},
	{"gpt-4", tokenizer.GPT4, tokenizer.Cl100kBase},
	{"gpt-3.5", tokenizer.GPT35Turbo, tokenizer.Cl100kBase},
}

// lookupModel resolves a deployment or model name to a tiktoken model and
// its encoding. Unknown names fall back to o200k_base.
func lookupModel(model string) (tokenizer.Model, tokenizer.Encoding) {
	model = strings.ToLower(model)
	for _, m := range tiktokenModels {
		if strings.HasPrefix(model, m.prefix) {
			return m.model, m.encoding
		}
	}
	return tokenizer.Model(model), tokenizer.O200kBase
}

func (c *TiktokenCounter) getCodec(model string) (tokenizer.Codec, error) {
	name, encoding := lookupModel(model)
	if codec, err := tokenizer.ForModel(name); err == nil {
		return codec, nil
	}

	c.cacheMu.RLock()
	cached, ok := c.codecCache[encoding]
	c.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding %s: %w", encoding, err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()
	return codec, nil
}

// SupportsModel returns true for OpenAI-family models.
func (c *TiktokenCounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

// CountText counts tokens for a plain text string.
func (c *TiktokenCounter) CountText(model, text string) (int, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
