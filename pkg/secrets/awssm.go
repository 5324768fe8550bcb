package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManagerProvider reads secrets from AWS Secrets Manager. A key of
// the form SECRET_ID#field selects one field of a JSON secret.
type AWSSecretsManagerProvider struct {
	region string

	once    sync.Once
	client  SecretsManagerAPI
	initErr error
}

// NewAWSSecretsManagerProvider creates a provider that loads the default AWS
// configuration on first use. An empty region defers to that configuration.
func NewAWSSecretsManagerProvider(region string) *AWSSecretsManagerProvider {
	return &AWSSecretsManagerProvider{region: region}
}

// NewAWSSecretsManagerProviderWithClient uses an existing client.
func NewAWSSecretsManagerProviderWithClient(client SecretsManagerAPI) *AWSSecretsManagerProvider {
	p := &AWSSecretsManagerProvider{client: client}
	p.once.Do(func() {})
	return p
}

func (p *AWSSecretsManagerProvider) Name() string { return "awssm" }

func (p *AWSSecretsManagerProvider) Get(ctx context.Context, key string) (string, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return "", err
	}

	id, field, hasField := strings.Cut(key, "#")
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to read secret %s: %w", id, err)
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	}

	if !hasField {
		return value, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", ErrSecretNotFound
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func (p *AWSSecretsManagerProvider) getClient(ctx context.Context) (SecretsManagerAPI, error) {
	p.once.Do(func() {
		var opts []func(*config.LoadOptions) error
		if p.region != "" {
			opts = append(opts, config.WithRegion(p.region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			p.initErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		p.client = secretsmanager.NewFromConfig(cfg)
	})
	return p.client, p.initErr
}
