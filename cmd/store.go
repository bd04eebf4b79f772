package cmd

import (
	"context"
	"fmt"
	"net/url"

	"github.com/lockedin-study/lockedin-sync/internal/appconfig"
	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/lockedin-study/lockedin-sync/internal/store/pgstore"
	"github.com/lockedin-study/lockedin-sync/internal/store/redisstore"
	"github.com/rs/zerolog/log"
)

// openStore dials the backend named by the URL scheme.
func openStore(ctx context.Context, rawURL string) (store.Adapter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.E(apperrors.KindValidation, "openStore", fmt.Errorf("invalid store url: %w", err))
	}

	logger := log.With().Str("backend", u.Scheme).Str("host", u.Host).Logger()
	switch u.Scheme {
	case "redis", "rediss":
		s, err := redisstore.New(ctx, rawURL, &logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql":
		s, err := pgstore.New(ctx, rawURL, &logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, apperrors.E(apperrors.KindValidation, "openStore", fmt.Errorf("unsupported store scheme %q", u.Scheme))
}

// resolveStoreURL finds the store URL from the session, the config file or
// Secrets Manager.
func resolveStoreURL(ctx context.Context) (string, error) {
	var svc appconfig.SecretsAPI
	if appCfg.Store.CredentialsSecret != "" && sess.StoreURL() == "" && appCfg.Store.URL == "" {
		client, err := appconfig.NewSecretsManagerClient(ctx, appCfg.AWS.Region)
		if err != nil {
			return "", apperrors.E(apperrors.KindConfigMissing, "resolveStoreURL", err)
		}
		svc = client
	}
	return appconfig.ResolveStoreURL(ctx, sess.StoreURL(), appCfg.Store, svc, &log.Logger)
}

// mustOpenStore resolves and dials the store or exits.
func mustOpenStore(ctx context.Context) store.Adapter {
	storeURL, err := resolveStoreURL(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("no store credentials, run `lockedin configure --store-url`")
	}
	adapter, err := openStore(ctx, storeURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to store")
	}
	return adapter
}
