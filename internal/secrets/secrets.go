// Package secrets resolves signer private keys and API tokens from the environment or AWS
// Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

// Get fetches key, which may name a JSON field as "<secret-id>#<field>" for secrets that
// hold several values.
func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	id, field, _ := strings.Cut(strings.TrimSpace(key), "#")
	if id == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	}
	if field == "" {
		if v := strings.TrimSpace(raw); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a JSON object", ErrInvalidConfig, id)
	}
	v, ok := fields[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(v), nil
}

type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnv() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil || p.lookup == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v, _ := p.lookup(key)
	if v = strings.TrimSpace(v); v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver dispatches "env:NAME" and "aws:SECRET_ID[#field]" references. A bare reference is
// treated as an environment variable name.
type Resolver struct {
	Env Provider
	// AWS is built lazily on first use when nil.
	AWS Provider

	mu     sync.Mutex
	newAWS func(context.Context) (Provider, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		Env: NewEnv(),
		newAWS: func(ctx context.Context) (Provider, error) {
			return NewAWS(ctx)
		},
	}
}

func (r *Resolver) Get(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		scheme, rest = "env", ref
	}
	switch scheme {
	case "env":
		if r.Env == nil {
			return "", fmt.Errorf("%w: no env provider", ErrInvalidConfig)
		}
		return r.Env.Get(ctx, rest)
	case "aws":
		p, err := r.awsProvider(ctx)
		if err != nil {
			return "", err
		}
		return p.Get(ctx, rest)
	default:
		return "", fmt.Errorf("%w: unsupported secret scheme %q", ErrInvalidConfig, scheme)
	}
}

func (r *Resolver) awsProvider(ctx context.Context) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AWS != nil {
		return r.AWS, nil
	}
	if r.newAWS == nil {
		return nil, fmt.Errorf("%w: no aws provider", ErrInvalidConfig)
	}
	p, err := r.newAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.AWS = p
	return p, nil
}
