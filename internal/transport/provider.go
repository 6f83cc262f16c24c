package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/config"
)

// NewAuthenticator builds the credential scheme configured for a provider.
// For sigv4, creds may be nil, in which case the default AWS credential
// chain for the provider's region is used.
func NewAuthenticator(ctx context.Context, pc config.ProviderConfig, creds aws.CredentialsProvider) (Authenticator, error) {
	switch pc.Auth {
	case config.AuthAPIKey:
		return APIKeyHeader{Header: "api-key", Key: pc.APIKey}, nil
	case config.AuthBearer:
		return Bearer{Token: pc.APIKey}, nil
	case config.AuthNone, "":
		return NoAuth{}, nil
	case config.AuthSigV4:
		if creds == nil {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(pc.Region))
			if err != nil {
				return nil, fmt.Errorf("provider %s: load aws config: %w", pc.Name, err)
			}
			creds = awsCfg.Credentials
		}
		return NewSigV4(creds, pc.Region, pc.Service), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown auth %q", pc.Name, pc.Auth)
	}
}

// ForProvider returns a transport configured with the provider's credentials.
func ForProvider(ctx context.Context, pc config.ProviderConfig, creds aws.CredentialsProvider, opts ...ClientOption) (*Client, error) {
	auth, err := NewAuthenticator(ctx, pc, creds)
	if err != nil {
		return nil, err
	}
	return NewClient(append([]ClientOption{WithAuthenticator(auth)}, opts...)...), nil
}
