package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fclairamb/tokengate/internal/api"
	"github.com/fclairamb/tokengate/internal/authapi"
	"github.com/fclairamb/tokengate/internal/config"
	"github.com/fclairamb/tokengate/internal/credentials"
	"github.com/fclairamb/tokengate/internal/gateway"
	"github.com/fclairamb/tokengate/internal/store"
)

// session wires the credential store, the auth client and the gateway for one profile.
type session struct {
	cfg         *config.Config
	logger      *slog.Logger
	credentials *credentials.Store
	auth        *authapi.Client
	gateway     *gateway.Gateway
	registry    *prometheus.Registry
	events      *store.Store
	closers     []func()
}

// newHTTPClient returns the outbound client. Its timeout is the only bound on a call
// waiting for a refresh.
func newHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// openPersister builds the credential persister selected by storage.driver.
func (s *session) openPersister(ctx context.Context) (credentials.Persister, error) {
	cfg := s.cfg

	switch cfg.Storage.Driver {
	case config.StorageMemory:
		return nil, nil
	case config.StorageFile:
		return credentials.NewFilePersister(cfg.Storage.Path, cfg.EncryptionKey, cfg.Profile), nil
	case config.StorageRedis:
		client, err := credentials.NewRedisClient(cfg.Storage.RedisURL)
		if err != nil {
			return nil, err
		}

		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		s.closers = append(s.closers, func() { _ = client.Close() })

		return credentials.NewRedisPersister(client, cfg.EncryptionKey, cfg.Profile), nil
	case config.StoragePostgres:
		dataStore, err := store.New(ctx, cfg.Storage.DSN, store.Options{
			DropTablesFirst: cfg.RunMode == config.RunModeTest,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}

		s.events = dataStore
		s.closers = append(s.closers, dataStore.Close)

		return dataStore.Credentials(cfg.Profile, cfg.EncryptionKey), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStorageDriver, cfg.Storage.Driver)
	}
}

// openSession restores the stored credentials and builds the gateway around them.
func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, error) {
	s := &session{cfg: cfg, logger: logger}

	persister, err := s.openPersister(ctx)
	if err != nil {
		return nil, err
	}

	s.credentials = credentials.NewStore(persister, logger)
	if err := s.credentials.Open(ctx); err != nil {
		s.close()
		return nil, err
	}

	client := newHTTPClient(cfg)

	s.auth = authapi.New(client, authapi.Options{
		BaseURL:     cfg.BaseURL,
		RefreshPath: cfg.RefreshPath,
		LoginPath:   cfg.LoginPath,
	})

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.gateway, err = gateway.New(gateway.Options{
		BaseURL:            cfg.BaseURL,
		Doer:               client,
		Store:              s.credentials,
		Refresher:          s.auth,
		Logger:             logger,
		Registerer:         s.registry,
		MaxRefreshAttempts: cfg.MaxRefreshAttempts,
	})
	if err != nil {
		s.close()
		return nil, err
	}

	s.gateway.SetLogoutCallback(s.onLogout)

	return s, nil
}

// onLogout runs when the gateway ends the session.
func (s *session) onLogout() {
	ctx := context.Background()

	s.logger.WarnContext(ctx, "Session ended, sign in again", slog.String("profile", s.cfg.Profile))
	s.recordEvent(ctx, store.EventSessionTerminate, nil)
}

// recordEvent appends to the session history when the postgres driver is used.
func (s *session) recordEvent(ctx context.Context, eventType string, details map[string]string) {
	if s.events == nil {
		return
	}

	event := &store.SessionEvent{Profile: s.cfg.Profile, EventType: eventType}

	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			event.Details = data
		}
	}

	if err := s.events.LogSessionEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to record session event", slog.String("event_type", eventType), slog.Any("error", err))
	}
}

// eventLog returns the session history for the API, or nil when there is none.
func (s *session) eventLog() api.EventLog {
	if s.events == nil {
		return nil
	}

	return s.events
}

// close releases the storage connections.
func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
