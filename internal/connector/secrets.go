package connector

import (
	"context"
	"fmt"
	"os"
	"strings"

	"paymentswitch/internal/domain"
)

// SecretResolver turns an account's credentials_ref into usable credentials.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (Credentials, error)
}

// EnvSecretResolver reads <REF>_API_KEY and <REF>_WEBHOOK_SECRET from the
// environment, with REF upper-cased and dashes replaced by underscores.
type EnvSecretResolver struct {
	lookup func(string) (string, bool)
}

func NewEnvSecretResolver() *EnvSecretResolver {
	return &EnvSecretResolver{lookup: os.LookupEnv}
}

func (r *EnvSecretResolver) Resolve(_ context.Context, ref string) (Credentials, error) {
	if ref == "" {
		return Credentials{}, fmt.Errorf("%w: empty credentials_ref", domain.ErrConfiguration)
	}
	prefix := strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	apiKey, ok := r.lookup(prefix + "_API_KEY")
	if !ok || apiKey == "" {
		return Credentials{}, fmt.Errorf("%w: credentials %s are not set", domain.ErrConfiguration, ref)
	}
	secret, _ := r.lookup(prefix + "_WEBHOOK_SECRET")
	return Credentials{APIKey: apiKey, WebhookSecret: secret}, nil
}

// StaticSecrets resolves refs from a fixed map.
type StaticSecrets map[string]Credentials

func (s StaticSecrets) Resolve(_ context.Context, ref string) (Credentials, error) {
	creds, ok := s[ref]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: credentials %s are not set", domain.ErrConfiguration, ref)
	}
	return creds, nil
}
