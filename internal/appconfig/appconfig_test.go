package appconfig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSecretsAPI struct {
	mock.Mock
}

func (m *MockSecretsAPI) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*secretsmanager.GetSecretValueOutput)
	return out, args.Error(1)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lockedin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigRendersEnvironment(t *testing.T) {
	t.Setenv("LOCKEDIN_TEST_STORE", "redis://cache:6379/2")
	path := writeConfig(t, `
store:
  url: "{{ .LOCKEDIN_TEST_STORE }}"
  credentialsSecret: lockedin/store
pulsar:
  url: pulsar://localhost:6650
  topicProducer: persistent://public/default/status
api:
  port: 9000
wakeLock:
  mode: none
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.URL)
	assert.Equal(t, "lockedin/store", cfg.Store.CredentialsSecret)
	assert.Equal(t, "persistent://public/default/status", cfg.Pulsar.TopicProducer)
	assert.Equal(t, "lockedin-status", cfg.Pulsar.Subscription)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Addr())
	assert.Equal(t, "none", cfg.WakeLock.Mode)
	assert.NotEmpty(t, cfg.Session.Path)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "inhibit", cfg.WakeLock.Mode)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig("")
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "store: {{ .Broken"))
	assert.ErrorContains(t, err, "template")

	_, err = LoadConfig(writeConfig(t, "unknown: 1\n"))
	assert.ErrorContains(t, err, "YAML")
}

func TestFetchStoreURL(t *testing.T) {
	ctx := context.Background()

	svc := new(MockSecretsAPI)
	svc.On("GetSecretValue", mock.Anything, mock.MatchedBy(func(in *secretsmanager.GetSecretValueInput) bool {
		return aws.ToString(in.SecretId) == "lockedin/store"
	})).Return(&secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"url":"rediss://prod:6380"}`)}, nil)

	url, err := FetchStoreURL(ctx, svc, "lockedin/store")
	require.NoError(t, err)
	assert.Equal(t, "rediss://prod:6380", url)
	svc.AssertExpectations(t)
}

func TestFetchStoreURLErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		out  *secretsmanager.GetSecretValueOutput
		err  error
		kind apperrors.Kind
	}{
		{"not found", nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException"}, apperrors.KindConfigMissing},
		{"access denied", nil, &smithy.GenericAPIError{Code: "AccessDeniedException"}, apperrors.KindAuthRejected},
		{"network", nil, errors.New("dial tcp: timeout"), apperrors.KindConnectivity},
		{"binary secret", &secretsmanager.GetSecretValueOutput{}, nil, apperrors.KindConfigMissing},
		{"bad json", &secretsmanager.GetSecretValueOutput{SecretString: aws.String("redis://x")}, nil, apperrors.KindConfigMissing},
		{"no url", &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"url":" "}`)}, nil, apperrors.KindConfigMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSecretsAPI)
			svc.On("GetSecretValue", mock.Anything, mock.Anything).Return(tt.out, tt.err)

			_, err := FetchStoreURL(ctx, svc, "lockedin/store")
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
		})
	}
}

func TestResolveStoreURLOrder(t *testing.T) {
	ctx := context.Background()
	cfg := StoreConfig{URL: "redis://config", CredentialsSecret: "lockedin/store"}

	svc := new(MockSecretsAPI)
	svc.On("GetSecretValue", mock.Anything, mock.Anything).
		Return(&secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"url":"redis://secret"}`)}, nil)

	url, err := ResolveStoreURL(ctx, "redis://saved", cfg, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, "redis://saved", url)

	url, err = ResolveStoreURL(ctx, "", cfg, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, "redis://config", url)
	svc.AssertNotCalled(t, "GetSecretValue", mock.Anything, mock.Anything)

	url, err = ResolveStoreURL(ctx, "", StoreConfig{CredentialsSecret: "lockedin/store"}, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, "redis://secret", url)

	_, err = ResolveStoreURL(ctx, "", StoreConfig{}, nil, nil)
	assert.Equal(t, apperrors.KindConfigMissing, apperrors.KindOf(err))
}
