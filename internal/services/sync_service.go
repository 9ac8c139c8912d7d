package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"banklink/internal/db"
	"banklink/internal/models"
	"banklink/internal/money"
	"banklink/internal/provider"
	"banklink/internal/store"
	"banklink/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var errStaleVersion = errors.New("stale connection version")

type SyncService struct {
	txRunner     db.TxRunner
	connections  ConnectionStore
	transactions TransactionStore
	providers    Providers
	vault        CredentialVault
	opts         options
	limiter      *semaphore.Weighted

	inflight sync.Map
}

func NewSyncService(txRunner db.TxRunner, connections ConnectionStore, transactions TransactionStore, providers Providers, vault CredentialVault, opts ...Option) *SyncService {
	o := buildOptions(opts)
	return &SyncService{
		txRunner:     txRunner,
		connections:  connections,
		transactions: transactions,
		providers:    providers,
		vault:        vault,
		opts:         o,
		limiter:      semaphore.NewWeighted(o.concurrency),
	}
}

type ConnectionError struct {
	ConnectionID string              `json:"connection_id"`
	ProviderKind models.ProviderKind `json:"provider_kind"`
	AccountName  string              `json:"account_name"`
	Message      string              `json:"error"`

	err error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %s", e.ConnectionID, e.Message)
}

func (e ConnectionError) Unwrap() error {
	return e.err
}

type SyncSummary struct {
	ConnectionsAttempted int               `json:"connections_attempted"`
	ConnectionsSucceeded int               `json:"connections_succeeded"`
	TransactionsUpserted int               `json:"transactions_upserted"`
	TransactionsInserted int               `json:"transactions_inserted"`
	PerConnectionErrors  []ConnectionError `json:"per_connection_errors"`
}

// Outcome classifies the run as success, partial, failed or empty.
func (s SyncSummary) Outcome() string {
	switch {
	case s.ConnectionsAttempted == 0:
		return "empty"
	case s.ConnectionsSucceeded == s.ConnectionsAttempted:
		return "success"
	case s.ConnectionsSucceeded == 0:
		return "failed"
	default:
		return "partial"
	}
}

func (s *SyncSummary) merge(other SyncSummary) {
	s.ConnectionsAttempted += other.ConnectionsAttempted
	s.ConnectionsSucceeded += other.ConnectionsSucceeded
	s.TransactionsUpserted += other.TransactionsUpserted
	s.TransactionsInserted += other.TransactionsInserted
	s.PerConnectionErrors = append(s.PerConnectionErrors, other.PerConnectionErrors...)
}

type AllSummary struct {
	Users       int         `json:"users"`
	FailedUsers []string    `json:"failed_users"`
	Totals      SyncSummary `json:"totals"`
}

// InFlight reports whether a sync for the connection is running.
func (s *SyncService) InFlight(connectionID string) bool {
	_, ok := s.inflight.Load(connectionID)
	return ok
}

// SyncUser reconciles every active connection of userID over the trailing
// windowDays. Provider failures are recorded per connection and the batch
// continues; vault and storage failures abort the whole run.
func (s *SyncService) SyncUser(ctx context.Context, userID string, windowDays int) (SyncSummary, error) {
	window := ClampWindow(windowDays)
	conns, err := s.connections.ListActiveByUser(ctx, userID)
	if err != nil {
		s.opts.metrics.SyncRun("aborted")
		return SyncSummary{}, fmt.Errorf("load connections: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = SyncSummary{ConnectionsAttempted: len(conns)}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groupByCredential(conns) {
		g.Go(func() error {
			if err := s.limiter.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.limiter.Release(1)

			shared := &sharedCredential{}
			for i := range group {
				result, err := s.syncConnection(gctx, &group[i], window, shared)
				if err != nil {
					return err
				}
				mu.Lock()
				summary.merge(result)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.opts.metrics.SyncRun("aborted")
		s.opts.logger.Error("sync aborted", "user_id", userID, "error", err)
		return summary, fmt.Errorf("sync user %s: %w", userID, err)
	}

	sort.Slice(summary.PerConnectionErrors, func(i, j int) bool {
		return summary.PerConnectionErrors[i].ConnectionID < summary.PerConnectionErrors[j].ConnectionID
	})
	s.opts.metrics.SyncRun(summary.Outcome())
	s.opts.logger.Info("sync finished",
		"user_id", userID,
		"window_days", window,
		"attempted", summary.ConnectionsAttempted,
		"succeeded", summary.ConnectionsSucceeded,
		"upserted", summary.TransactionsUpserted,
		"inserted", summary.TransactionsInserted,
	)
	if s.opts.notifier != nil {
		s.opts.notifier.PublishSync(userID, websocket.SyncUpdate{
			ConnectionsAttempted: summary.ConnectionsAttempted,
			ConnectionsSucceeded: summary.ConnectionsSucceeded,
			TransactionsUpserted: summary.TransactionsUpserted,
			TransactionsInserted: summary.TransactionsInserted,
		})
	}
	return summary, nil
}

// SyncAll runs SyncUser for every user with an active connection. A user whose
// run aborts is reported in FailedUsers and the remaining users still sync.
func (s *SyncService) SyncAll(ctx context.Context, windowDays int) (AllSummary, error) {
	users, err := s.connections.ListUsersWithActive(ctx)
	if err != nil {
		return AllSummary{}, fmt.Errorf("list users: %w", err)
	}
	all := AllSummary{Users: len(users)}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		summary, err := s.SyncUser(ctx, userID, windowDays)
		all.Totals.merge(summary)
		if err != nil {
			all.FailedUsers = append(all.FailedUsers, userID)
		}
	}
	return all, nil
}

// sharedCredential carries a refreshed credential to the other connections
// of the same provider login within one run.
type sharedCredential struct {
	credential *provider.Credential
}

// groupByCredential puts connections sharing a provider login in one group so
// their provider calls run one after another.
func groupByCredential(conns []models.BankConnection) [][]models.BankConnection {
	index := make(map[string]int)
	var groups [][]models.BankConnection
	for _, conn := range conns {
		key := string(conn.ProviderKind) + "\x00" + conn.ProviderItemRef
		if conn.ProviderItemRef == "" {
			key = "conn\x00" + conn.ID
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], conn)
	}
	return groups
}

// syncConnection returns a non-nil error only for failures that must abort
// the batch. Provider failures come back inside the summary.
func (s *SyncService) syncConnection(ctx context.Context, conn *models.BankConnection, window int, shared *sharedCredential) (SyncSummary, error) {
	s.inflight.Store(conn.ID, struct{}{})
	defer s.inflight.Delete(conn.ID)

	started := s.opts.now()
	logger := s.opts.logger.With("connection_id", conn.ID, "provider", conn.ProviderKind)

	p, err := s.providers.Get(conn.ProviderKind)
	if err != nil {
		return s.recordFailure(ctx, conn, err, started)
	}
	accessToken, err := s.accessToken(ctx, p, conn, shared)
	if err != nil {
		if isFatal(err) {
			return SyncSummary{}, err
		}
		return s.recordFailure(ctx, conn, err, started)
	}

	to := started.UTC()
	from := to.AddDate(0, 0, -window)
	remote, err := p.ListTransactions(ctx, accessToken, conn.ProviderAccountRef, from, to)
	if err != nil {
		return s.recordFailure(ctx, conn, err, started)
	}
	balance, err := p.GetAccountBalance(ctx, accessToken, conn.ProviderAccountRef)
	if err != nil {
		return s.recordFailure(ctx, conn, err, started)
	}

	var upserted, inserted int
	syncedAt := s.opts.now().UTC()
	for attempt := 0; ; attempt++ {
		err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
			upserted, inserted = 0, 0
			for _, txn := range remote {
				wasInserted, err := s.transactions.Upsert(ctx, tx, canonicalTransaction(conn, txn))
				if err != nil {
					return fmt.Errorf("upsert transaction %s: %w", txn.ID, err)
				}
				upserted++
				if wasInserted {
					inserted++
				}
			}
			rows, err := s.connections.RecordSyncSuccess(ctx, tx, conn.ID, conn.Version, balance.Current, balance.Available, syncedAt)
			if err != nil {
				return err
			}
			if rows == 0 {
				return errStaleVersion
			}
			return nil
		})
		if !errors.Is(err, errStaleVersion) {
			break
		}
		if attempt+1 >= maxVersionRetries {
			return s.recordFailure(ctx, conn, ErrStaleConnection, started)
		}
		if err := s.reload(ctx, conn); err != nil {
			if errors.Is(err, ErrStaleConnection) {
				return s.failure(conn, err, started), nil
			}
			return SyncSummary{}, err
		}
	}
	if err != nil {
		return SyncSummary{}, fmt.Errorf("store sync of connection %s: %w", conn.ID, err)
	}
	conn.Version++

	elapsed := s.opts.now().Sub(started)
	s.opts.metrics.ConnectionSynced(string(conn.ProviderKind), "ok", elapsed)
	s.opts.metrics.TransactionsUpserted(string(conn.ProviderKind), inserted, upserted-inserted)
	logger.Debug("connection synced", "upserted", upserted, "inserted", inserted, "elapsed", elapsed)
	if s.opts.notifier != nil {
		s.opts.notifier.PublishBalance(conn.UserID, websocket.BalanceUpdate{
			ConnectionID:     conn.ID,
			AccountName:      conn.AccountName,
			CurrentBalance:   money.Format(balance.Current),
			AvailableBalance: money.Format(balance.Available),
			Currency:         conn.Currency,
			SyncedAt:         syncedAt,
		})
	}
	return SyncSummary{
		ConnectionsSucceeded: 1,
		TransactionsUpserted: upserted,
		TransactionsInserted: inserted,
	}, nil
}

// accessToken decrypts the stored credential, refreshing it first when it has
// expired and the provider supports refresh.
func (s *SyncService) accessToken(ctx context.Context, p provider.Provider, conn *models.BankConnection, shared *sharedCredential) (string, error) {
	now := s.opts.now()
	if conn.CredentialExpiresAt == nil || now.Before(*conn.CredentialExpiresAt) {
		return s.decrypt(conn.EncryptedAccessToken, conn.ID)
	}
	if shared.credential != nil {
		if err := s.storeCredential(ctx, conn, *shared.credential); err != nil {
			return "", err
		}
		return shared.credential.AccessToken, nil
	}
	if conn.EncryptedRefreshToken == nil {
		return "", fmt.Errorf("credential expired without refresh token: %w", provider.ErrInvalidCredential)
	}
	refreshToken, err := s.decrypt(*conn.EncryptedRefreshToken, conn.ID)
	if err != nil {
		return "", err
	}
	credential, err := p.RefreshCredential(ctx, refreshToken)
	if errors.Is(err, provider.ErrUnsupportedOperation) {
		return s.decrypt(conn.EncryptedAccessToken, conn.ID)
	}
	if err != nil {
		return "", fmt.Errorf("refresh credential: %w", err)
	}
	if credential.RefreshToken == "" {
		credential.RefreshToken = refreshToken
	}
	if err := s.storeCredential(ctx, conn, credential); err != nil {
		return "", err
	}
	shared.credential = &credential
	return credential.AccessToken, nil
}

func (s *SyncService) storeCredential(ctx context.Context, conn *models.BankConnection, credential provider.Credential) error {
	access, refresh, err := sealCredential(s.vault, credential)
	if err != nil {
		return fatalError{err}
	}
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		var rows int64
		err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			rows, err = s.connections.UpdateCredentials(ctx, tx, store.CredentialUpdate{
				ID:                    conn.ID,
				Version:               conn.Version,
				EncryptedAccessToken:  access,
				EncryptedRefreshToken: refresh,
				CredentialExpiresAt:   credential.ExpiresAt,
			})
			return err
		})
		if err != nil {
			return fatalError{fmt.Errorf("store refreshed credential: %w", err)}
		}
		if rows == 1 {
			conn.Version++
			conn.EncryptedAccessToken = access
			conn.EncryptedRefreshToken = refresh
			conn.CredentialExpiresAt = credential.ExpiresAt
			return nil
		}
		if err := s.reload(ctx, conn); err != nil {
			return err
		}
	}
	return ErrStaleConnection
}

func (s *SyncService) decrypt(ciphertext, connectionID string) (string, error) {
	plaintext, err := s.vault.Decrypt(ciphertext)
	if err != nil {
		return "", fatalError{fmt.Errorf("decrypt credential for connection %s: %w", connectionID, err)}
	}
	return plaintext, nil
}

// reload refreshes conn's version from storage. A connection that has been
// disconnected meanwhile yields ErrStaleConnection.
func (s *SyncService) reload(ctx context.Context, conn *models.BankConnection) error {
	fresh, err := s.connections.GetByID(ctx, conn.ID)
	if err != nil {
		return fatalError{fmt.Errorf("reload connection %s: %w", conn.ID, err)}
	}
	if !fresh.IsActive {
		return fmt.Errorf("%w: connection disconnected during sync", ErrStaleConnection)
	}
	conn.Version = fresh.Version
	return nil
}

// recordFailure flags the connection with cause and reports it in the
// summary. last_synced_at is not advanced.
func (s *SyncService) recordFailure(ctx context.Context, conn *models.BankConnection, cause error, started time.Time) (SyncSummary, error) {
	if err := ctx.Err(); err != nil {
		return SyncSummary{}, err
	}
	failedAt := s.opts.now().UTC()
	message := cause.Error()
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		var rows int64
		err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			rows, err = s.connections.RecordSyncFailure(ctx, tx, conn.ID, conn.Version, message, failedAt)
			return err
		})
		if err != nil {
			return SyncSummary{}, fmt.Errorf("record sync failure for connection %s: %w", conn.ID, err)
		}
		if rows == 1 {
			conn.Version++
			break
		}
		if err := s.reload(ctx, conn); err != nil {
			if errors.Is(err, ErrStaleConnection) {
				break
			}
			return SyncSummary{}, err
		}
	}
	s.opts.logger.Warn("connection sync failed", "connection_id", conn.ID, "provider", conn.ProviderKind, "error", cause)
	return s.failure(conn, cause, started), nil
}

func (s *SyncService) failure(conn *models.BankConnection, cause error, started time.Time) SyncSummary {
	s.opts.metrics.ConnectionSynced(string(conn.ProviderKind), "error", s.opts.now().Sub(started))
	return SyncSummary{PerConnectionErrors: []ConnectionError{{
		ConnectionID: conn.ID,
		ProviderKind: conn.ProviderKind,
		AccountName:  conn.AccountName,
		Message:      cause.Error(),
		err:          cause,
	}}}
}

// fatalError marks vault and storage failures that abort the batch. Anything
// else reaching a connection is recorded against it.
type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}

func canonicalTransaction(conn *models.BankConnection, txn provider.Transaction) models.Transaction {
	return models.Transaction{
		ID:                    uuid.NewString(),
		UserID:                conn.UserID,
		BankConnectionID:      conn.ID,
		ProviderKind:          conn.ProviderKind,
		ProviderTransactionID: txn.ID,
		Amount:                txn.Amount,
		Currency:              txn.Currency,
		Description:           txn.Description,
		MerchantName:          txn.Merchant,
		Category:              txn.Category,
		Kind:                  txn.Kind,
		TransactionDate:       txn.Date,
		PostedDate:            txn.PostedDate,
		Pending:               txn.Pending,
	}
}
