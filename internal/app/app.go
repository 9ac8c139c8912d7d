// Package app wires configuration into the stores, services and transports
// shared by the server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"banklink/internal/config"
	"banklink/internal/db"
	"banklink/internal/metrics"
	"banklink/internal/provider"
	"banklink/internal/provider/sandbox"
	"banklink/internal/services"
	"banklink/internal/store"
	"banklink/internal/vault"
	"banklink/internal/websocket"

	"github.com/jmoiron/sqlx"
)

// App holds every initialized component.
type App struct {
	DB           *sqlx.DB
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Hub          *websocket.Hub
	Providers    *provider.Set
	Transactions *store.TransactionStore
	Audit        *store.AuditStore
	Connections  *services.ConnectionService
	Sync         *services.SyncService
}

func NewLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// BuildProviders registers the enabled catalog entries.
func BuildProviders(catalog []config.ProviderConfig) (*provider.Set, error) {
	var providers []provider.Provider
	for _, entry := range catalog {
		if !entry.IsEnabled() {
			continue
		}
		var opts []sandbox.Option
		if entry.AuthorizeURL != "" {
			opts = append(opts, sandbox.WithAuthorizeURL(entry.AuthorizeURL))
		}
		if len(entry.RedirectURIs) > 0 {
			opts = append(opts, sandbox.WithRegisteredRedirects(entry.RedirectURIs...))
		}
		p, err := sandbox.ForKind(entry.Kind, opts...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}
	return provider.NewSet(providers...)
}

// NewVault returns nil without error when no keys are configured outside
// production; the services then refuse to seal or open credentials.
func NewVault(cfg config.Config) (*vault.Vault, error) {
	if len(cfg.VaultKeys) == 0 && !cfg.Production() {
		return nil, nil
	}
	return vault.New(vault.Config{
		ActiveKeyID: cfg.VaultActiveKeyID,
		Keys:        cfg.VaultKeys,
		Production:  cfg.Production(),
	})
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg)
	}
	v, err := NewVault(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if v == nil {
		logger.Warn("credential vault not configured; connections cannot be completed")
	}
	providers, err := BuildProviders(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL, db.DefaultPool())
	if err != nil {
		return nil, err
	}

	txRunner := db.NewTxRunner(database, logger)
	connections := store.NewConnectionStore(database)
	transactions := store.NewTransactionStore(database)
	attempts := store.NewAuthAttemptStore(database)
	audit := store.NewAuditStore(database)
	m := metrics.New()
	hub := websocket.NewHub()

	sync := services.NewSyncService(txRunner, connections, transactions, providers, v,
		services.WithLogger(logger.With("service", "sync")),
		services.WithMetrics(m),
		services.WithNotifier(hub),
		services.WithConcurrency(cfg.SyncConcurrency),
	)
	connect := services.NewConnectionService(txRunner, connections, attempts, audit, providers, v,
		services.WithLogger(logger.With("service", "connections")),
		services.WithMetrics(m),
		services.WithAttemptTTL(cfg.AttemptTTL),
		services.WithSyncTracker(sync),
	)

	logger.Info("application initialized", "providers", providers.Kinds(), "vault_key", activeKey(v), "vault_keys", keyIDs(v))
	return &App{
		DB:           database,
		Logger:       logger,
		Metrics:      m,
		Hub:          hub,
		Providers:    providers,
		Transactions: transactions,
		Audit:        audit,
		Connections:  connect,
		Sync:         sync,
	}, nil
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func activeKey(v *vault.Vault) string {
	if v == nil {
		return ""
	}
	return v.ActiveKeyID()
}

// keyIDs lists the decrypt-only keys too, so a rotation can be confirmed
// from the startup log.
func keyIDs(v *vault.Vault) []string {
	if v == nil {
		return nil
	}
	return v.KeyIDs()
}
