package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Authenticator applies provider credentials to an outgoing request. It is
// invoked once per attempt so time-bound signatures stay fresh.
type Authenticator interface {
	Authorize(ctx context.Context, req *http.Request, body []byte) error
}

// NoAuth leaves requests untouched.
type NoAuth struct{}

func (NoAuth) Authorize(context.Context, *http.Request, []byte) error { return nil }

// APIKeyHeader sends the key in a named header (api-key for Azure-style endpoints).
type APIKeyHeader struct {
	Header string
	Key    string
}

func (a APIKeyHeader) Authorize(_ context.Context, req *http.Request, _ []byte) error {
	header := a.Header
	if header == "" {
		header = "api-key"
	}
	req.Header.Set(header, a.Key)
	return nil
}

// Bearer sends the key as an Authorization bearer token.
type Bearer struct {
	Token string
}

func (b Bearer) Authorize(_ context.Context, req *http.Request, _ []byte) error {
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}

// SigV4 signs requests with AWS Signature Version 4.
type SigV4 struct {
	Credentials aws.CredentialsProvider
	Region      string
	Service     string

	signer *v4.Signer
	now    func() time.Time
}

// NewSigV4 returns a signer for the given service and region.
func NewSigV4(creds aws.CredentialsProvider, region, service string) *SigV4 {
	return &SigV4{
		Credentials: creds,
		Region:      region,
		Service:     service,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}
}

func (s *SigV4) Authorize(ctx context.Context, req *http.Request, body []byte) error {
	if s.Credentials == nil {
		return fmt.Errorf("sigv4: no credentials provider")
	}
	creds, err := s.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("sigv4: retrieve credentials: %w", err)
	}
	sum := sha256.Sum256(body)
	signer := s.signer
	if signer == nil {
		signer = v4.NewSigner()
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	return signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), s.Service, s.Region, now())
}
