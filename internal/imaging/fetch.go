package imaging

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/safehttp"
)

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetchHTTPClient sets the client used for remote images.
func WithFetchHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithFetchTimeout bounds a single remote fetch. The bound is applied to the
// request context, never to the client, so a shared client is left as is.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// Fetcher loads raw image bytes from an http(s) URL or a base64 data URI.
// Anything larger than maxBytes is rejected as payload_too_large.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
}

// NewFetcher creates a fetcher whose default client refuses private addresses.
func NewFetcher(maxBytes int64, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Transport: safehttp.NewTransport()},
		maxBytes: maxBytes,
		timeout:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the raw bytes referenced by source.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "data:") {
		return f.decodeDataURI(source)
	}
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return nil, domain.ErrInvalidImage(fmt.Errorf("unsupported image source scheme"))
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, domain.ErrInvalidImage(fmt.Errorf("build fetch request: %w", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.ErrInvalidImage(fmt.Errorf("fetch image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.ErrInvalidImage(fmt.Errorf("fetch image: status %d", resp.StatusCode))
	}
	if resp.ContentLength > f.maxBytes {
		return nil, domain.ErrPayloadTooLarge(resp.ContentLength, f.maxBytes)
	}
	if mediaType := resp.Header.Get("Content-Type"); mediaType != "" && !isImageMediaType(mediaType) {
		return nil, domain.ErrInvalidImage(fmt.Errorf("unsupported media type %q", mediaType))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, domain.ErrInvalidImage(fmt.Errorf("read image: %w", err))
	}
	if int64(len(data)) > f.maxBytes {
		return nil, domain.ErrPayloadTooLarge(int64(len(data)), f.maxBytes)
	}
	return data, nil
}

// decodeDataURI accepts data:<image type>;base64,<payload>.
func (f *Fetcher) decodeDataURI(uri string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, domain.ErrInvalidImage(fmt.Errorf("invalid data URI: missing comma separator"))
	}

	parts := strings.Split(meta, ";")
	if !isImageMediaType(parts[0]) {
		return nil, domain.ErrInvalidImage(fmt.Errorf("unsupported media type %q", parts[0]))
	}
	isBase64 := false
	for _, p := range parts[1:] {
		if p == "base64" {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return nil, domain.ErrInvalidImage(fmt.Errorf("data URI must be base64 encoded"))
	}

	if decoded := int64(base64.StdEncoding.DecodedLen(len(payload))); decoded > f.maxBytes+3 {
		return nil, domain.ErrPayloadTooLarge(decoded, f.maxBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, domain.ErrInvalidImage(fmt.Errorf("decode data URI: %w", err))
	}
	if int64(len(data)) > f.maxBytes {
		return nil, domain.ErrPayloadTooLarge(int64(len(data)), f.maxBytes)
	}
	return data, nil
}

func isImageMediaType(mediaType string) bool {
	mainType := strings.TrimSpace(strings.ToLower(strings.Split(mediaType, ";")[0]))
	switch mainType {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp", "image/bmp",
		"application/octet-stream", "binary/octet-stream":
		return true
	default:
		return false
	}
}
