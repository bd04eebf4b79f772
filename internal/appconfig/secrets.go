package appconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/rs/zerolog"
)

// SecretsAPI is the part of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsManagerClient initializes the AWS Secrets Manager client.
func NewSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

type storeSecret struct {
	URL string `json:"url"`
}

// FetchStoreURL reads the store URL from a JSON secret of the form
// {"url": "..."}.
func FetchStoreURL(ctx context.Context, svc SecretsAPI, secretName string) (string, error) {
	const op = "appconfig.FetchStoreURL"

	out, err := svc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "ResourceNotFoundException":
				return "", apperrors.E(apperrors.KindConfigMissing, op, fmt.Errorf("secret %s not found", secretName))
			case "AccessDeniedException":
				return "", apperrors.E(apperrors.KindAuthRejected, op, err)
			}
		}
		return "", apperrors.E(apperrors.KindConnectivity, op, err)
	}
	if out.SecretString == nil {
		return "", apperrors.E(apperrors.KindConfigMissing, op, fmt.Errorf("secret %s has no string value", secretName))
	}

	var secret storeSecret
	if err := json.Unmarshal([]byte(*out.SecretString), &secret); err != nil {
		return "", apperrors.E(apperrors.KindConfigMissing, op, fmt.Errorf("secret %s is not valid JSON: %w", secretName, err))
	}
	url := strings.TrimSpace(secret.URL)
	if url == "" {
		return "", apperrors.E(apperrors.KindConfigMissing, op, fmt.Errorf("secret %s has no url", secretName))
	}
	return url, nil
}

// ResolveStoreURL picks the store URL: the locally saved one, then the
// config file, then the configured secret. svc may be nil when no secret
// is configured.
func ResolveStoreURL(ctx context.Context, saved string, cfg StoreConfig, svc SecretsAPI, log *zerolog.Logger) (string, error) {
	const op = "appconfig.ResolveStoreURL"

	if url := strings.TrimSpace(saved); url != "" {
		return url, nil
	}
	if url := strings.TrimSpace(cfg.URL); url != "" {
		return url, nil
	}
	if cfg.CredentialsSecret != "" && svc != nil {
		url, err := FetchStoreURL(ctx, svc, cfg.CredentialsSecret)
		if err != nil {
			return "", err
		}
		if log != nil {
			log.Debug().Str("secret", cfg.CredentialsSecret).Msg("store url loaded from secrets manager")
		}
		return url, nil
	}
	return "", apperrors.E(apperrors.KindConfigMissing, op, errors.New("no store url configured"))
}
