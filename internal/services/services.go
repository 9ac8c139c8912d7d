package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"banklink/internal/metrics"
	"banklink/internal/models"
	"banklink/internal/provider"
	"banklink/internal/store"
	"banklink/internal/websocket"

	"github.com/shopspring/decimal"
)

var (
	ErrAuthExpired            = errors.New("authorization expired or already used")
	ErrAuthStateMismatch      = errors.New("authorization state mismatch")
	ErrNoAccountsFound        = errors.New("no accounts found")
	ErrConnectionNotFound     = errors.New("connection not found")
	ErrStaleConnection        = errors.New("connection modified concurrently")
	ErrAccountLinkedElsewhere = errors.New("account already linked by another user")
)

const (
	DefaultAttemptTTL  = 10 * time.Minute
	DefaultWindowDays  = 30
	MaxWindowDays      = 730
	DefaultConcurrency = 4
	maxVersionRetries  = 3
)

type ConnectionStore interface {
	Upsert(ctx context.Context, tx store.Getter, input store.ConnectionInput) (string, error)
	GetByID(ctx context.Context, connectionID string) (models.BankConnection, error)
	ListByUser(ctx context.Context, userID string) ([]models.BankConnection, error)
	ListActiveByUser(ctx context.Context, userID string) ([]models.BankConnection, error)
	ListAll(ctx context.Context, afterID string, limit int) ([]models.BankConnection, error)
	ListUsersWithActive(ctx context.Context) ([]string, error)
	CountActiveByItem(ctx context.Context, kind models.ProviderKind, itemRef string) (int, error)
	Deactivate(ctx context.Context, tx store.Execer, connectionID, userID string) (int64, error)
	RecordSyncSuccess(ctx context.Context, tx store.Execer, connectionID string, version int64, current, available decimal.Decimal, syncedAt time.Time) (int64, error)
	RecordSyncFailure(ctx context.Context, tx store.Execer, connectionID string, version int64, message string, failedAt time.Time) (int64, error)
	UpdateCredentials(ctx context.Context, tx store.Execer, update store.CredentialUpdate) (int64, error)
}

type TransactionStore interface {
	Upsert(ctx context.Context, tx store.Getter, input models.Transaction) (bool, error)
}

type AttemptStore interface {
	Create(ctx context.Context, tx store.Execer, attempt models.AuthorizationAttempt) error
	DeletePending(ctx context.Context, tx store.Execer, userID string, kind models.ProviderKind) (int64, error)
	GetByState(ctx context.Context, state string) (models.AuthorizationAttempt, error)
	Consume(ctx context.Context, tx store.Execer, state string, now time.Time) (int64, error)
	ListPending(ctx context.Context, userID string, now time.Time) ([]models.AuthorizationAttempt, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

type Providers interface {
	Get(kind models.ProviderKind) (provider.Provider, error)
}

type CredentialVault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Rewrap(ciphertext string) (string, bool, error)
}

type Notifier interface {
	PublishBalance(userID string, update websocket.BalanceUpdate)
	PublishSync(userID string, update websocket.SyncUpdate)
}

// SyncTracker reports connections with a sync in flight.
type SyncTracker interface {
	InFlight(connectionID string) bool
}

type options struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	attemptTTL  time.Duration
	concurrency int64
	notifier    Notifier
	tracker     SyncTracker
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithAttemptTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.attemptTTL = ttl
		}
	}
}

// WithConcurrency bounds provider calls in flight across every SyncUser call
// sharing the service.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = int64(n)
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithSyncTracker(t SyncTracker) Option {
	return func(o *options) { o.tracker = t }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:      slog.Default(),
		now:         time.Now,
		attemptTTL:  DefaultAttemptTTL,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ClampWindow maps a requested sync window onto [1, MaxWindowDays]; zero or
// negative selects the default.
func ClampWindow(days int) int {
	switch {
	case days <= 0:
		return DefaultWindowDays
	case days > MaxWindowDays:
		return MaxWindowDays
	default:
		return days
	}
}
