package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"banklink/internal/models"
	"banklink/internal/provider"
	"banklink/internal/provider/sandbox"
	"banklink/internal/store"
	"banklink/internal/vault"
	"banklink/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type fakeTxRunner struct {
	err error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

// snapshotter is a fake store that can restore its state when a fake
// transaction fails.
type snapshotter interface {
	snapshot() (restore func())
}

// rollbackTxRunner runs transactions one at a time and restores every
// registered store when fn fails, matching a real rollback.
type rollbackTxRunner struct {
	mu     *sync.Mutex
	stores []snapshotter
}

func newRollbackTxRunner(stores ...snapshotter) rollbackTxRunner {
	return rollbackTxRunner{mu: &sync.Mutex{}, stores: stores}
}

func (r rollbackTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	restores := make([]func(), 0, len(r.stores))
	for _, s := range r.stores {
		restores = append(restores, s.snapshot())
	}
	if err := fn(nil); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 18, 15, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memConnections mirrors the SQL semantics of store.ConnectionStore: the
// (provider_kind, provider_account_ref) key, ownership on upsert and version
// compare-and-set on writes.
type memConnections struct {
	mu    sync.Mutex
	clock *testClock
	rows  map[string]models.BankConnection
	order []string

	beforeSuccess func(id string)
	upsertFault   func(input store.ConnectionInput) error
	getErr        error
	listErr       error
}

func (m *memConnections) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make(map[string]models.BankConnection, len(m.rows))
	for id, row := range m.rows {
		rows[id] = row
	}
	order := append([]string(nil), m.order...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rows, m.order = rows, order
	}
}

func newMemConnections(clock *testClock) *memConnections {
	return &memConnections{clock: clock, rows: make(map[string]models.BankConnection)}
}

func (m *memConnections) Upsert(_ context.Context, _ store.Getter, input store.ConnectionInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertFault != nil {
		if err := m.upsertFault(input); err != nil {
			return "", err
		}
	}
	now := m.clock.Now()
	for _, id := range m.order {
		row := m.rows[id]
		if row.ProviderKind != input.ProviderKind || row.ProviderAccountRef != input.ProviderAccountRef {
			continue
		}
		if row.UserID != input.UserID {
			return "", sql.ErrNoRows
		}
		row.ProviderItemRef = input.ProviderItemRef
		row.AccountName = input.AccountName
		row.AccountType = input.AccountType
		row.Currency = input.Currency
		row.CurrentBalance = input.CurrentBalance
		row.AvailableBalance = input.AvailableBalance
		row.IsActive = true
		row.EncryptedAccessToken = input.EncryptedAccessToken
		row.EncryptedRefreshToken = input.EncryptedRefreshToken
		row.CredentialExpiresAt = input.CredentialExpiresAt
		row.LastError, row.LastErrorAt = nil, nil
		row.Version++
		row.UpdatedAt = now
		m.rows[id] = row
		return id, nil
	}
	m.rows[input.ID] = models.BankConnection{
		ID:                    input.ID,
		UserID:                input.UserID,
		ProviderKind:          input.ProviderKind,
		ProviderAccountRef:    input.ProviderAccountRef,
		ProviderItemRef:       input.ProviderItemRef,
		AccountName:           input.AccountName,
		AccountType:           input.AccountType,
		Currency:              input.Currency,
		CurrentBalance:        input.CurrentBalance,
		AvailableBalance:      input.AvailableBalance,
		IsActive:              true,
		EncryptedAccessToken:  input.EncryptedAccessToken,
		EncryptedRefreshToken: input.EncryptedRefreshToken,
		CredentialExpiresAt:   input.CredentialExpiresAt,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	m.order = append(m.order, input.ID)
	return input.ID, nil
}

func (m *memConnections) GetByID(_ context.Context, id string) (models.BankConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return models.BankConnection{}, m.getErr
	}
	row, ok := m.rows[id]
	if !ok {
		return models.BankConnection{}, sql.ErrNoRows
	}
	return row, nil
}

func (m *memConnections) filter(keep func(models.BankConnection) bool) []models.BankConnection {
	var out []models.BankConnection
	for _, id := range m.order {
		if row := m.rows[id]; keep(row) {
			out = append(out, row)
		}
	}
	return out
}

func (m *memConnections) ListByUser(_ context.Context, userID string) ([]models.BankConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(c models.BankConnection) bool { return c.UserID == userID }), nil
}

func (m *memConnections) ListActiveByUser(_ context.Context, userID string) ([]models.BankConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.filter(func(c models.BankConnection) bool { return c.UserID == userID && c.IsActive }), nil
}

func (m *memConnections) ListAll(_ context.Context, afterID string, limit int) ([]models.BankConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.filter(func(c models.BankConnection) bool { return c.ID > afterID })
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *memConnections) ListUsersWithActive(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var users []string
	for _, row := range m.filter(func(c models.BankConnection) bool { return c.IsActive }) {
		if !seen[row.UserID] {
			seen[row.UserID] = true
			users = append(users, row.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (m *memConnections) CountActiveByItem(_ context.Context, kind models.ProviderKind, itemRef string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filter(func(c models.BankConnection) bool {
		return c.IsActive && c.ProviderKind == kind && c.ProviderItemRef == itemRef
	})), nil
}

func (m *memConnections) Deactivate(_ context.Context, _ store.Execer, id, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.UserID != userID || !row.IsActive {
		return 0, nil
	}
	row.IsActive = false
	row.Version++
	m.rows[id] = row
	return 1, nil
}

func (m *memConnections) RecordSyncSuccess(_ context.Context, _ store.Execer, id string, version int64, current, available decimal.Decimal, syncedAt time.Time) (int64, error) {
	if m.beforeSuccess != nil {
		m.beforeSuccess(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Version != version || !row.IsActive {
		return 0, nil
	}
	row.CurrentBalance, row.AvailableBalance = current, available
	row.LastSyncedAt = &syncedAt
	row.LastError, row.LastErrorAt = nil, nil
	row.Version++
	m.rows[id] = row
	return 1, nil
}

func (m *memConnections) RecordSyncFailure(_ context.Context, _ store.Execer, id string, version int64, message string, failedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Version != version {
		return 0, nil
	}
	row.LastError, row.LastErrorAt = &message, &failedAt
	row.Version++
	m.rows[id] = row
	return 1, nil
}

func (m *memConnections) UpdateCredentials(_ context.Context, _ store.Execer, update store.CredentialUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[update.ID]
	if !ok || row.Version != update.Version {
		return 0, nil
	}
	row.EncryptedAccessToken = update.EncryptedAccessToken
	row.EncryptedRefreshToken = update.EncryptedRefreshToken
	row.CredentialExpiresAt = update.CredentialExpiresAt
	row.Version++
	m.rows[update.ID] = row
	return 1, nil
}

// bump simulates a concurrent writer.
func (m *memConnections) bump(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	row.Version++
	m.rows[id] = row
}

func (m *memConnections) all() []models.BankConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(models.BankConnection) bool { return true })
}

type memTransactions struct {
	mu        sync.Mutex
	clock     *testClock
	rows      map[string]models.Transaction
	upsertErr error
}

func newMemTransactions(clock *testClock) *memTransactions {
	return &memTransactions{clock: clock, rows: make(map[string]models.Transaction)}
}

func (m *memTransactions) Upsert(_ context.Context, _ store.Getter, input models.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return false, m.upsertErr
	}
	key := string(input.ProviderKind) + "|" + input.ProviderTransactionID
	now := m.clock.Now()
	if existing, ok := m.rows[key]; ok {
		existing.Amount = input.Amount
		existing.Currency = input.Currency
		existing.Description = input.Description
		existing.MerchantName = input.MerchantName
		existing.Category = input.Category
		existing.Kind = input.Kind
		existing.TransactionDate = input.TransactionDate
		existing.PostedDate = input.PostedDate
		existing.Pending = input.Pending
		existing.UpdatedAt = now
		m.rows[key] = existing
		return false, nil
	}
	input.CreatedAt, input.UpdatedAt = now, now
	m.rows[key] = input
	return true, nil
}

func (m *memTransactions) countByConnection(connectionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, row := range m.rows {
		if row.BankConnectionID == connectionID {
			count++
		}
	}
	return count
}

func (m *memTransactions) all() []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Transaction, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out
}

type memAttempts struct {
	mu   sync.Mutex
	rows map[string]models.AuthorizationAttempt
}

func newMemAttempts() *memAttempts {
	return &memAttempts{rows: make(map[string]models.AuthorizationAttempt)}
}

func (m *memAttempts) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make(map[string]models.AuthorizationAttempt, len(m.rows))
	for state, row := range m.rows {
		rows[state] = row
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rows = rows
	}
}

func (m *memAttempts) ListPending(_ context.Context, userID string, now time.Time) ([]models.AuthorizationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuthorizationAttempt
	for _, row := range m.rows {
		if row.UserID == userID && row.ConsumedAt == nil && row.ExpiresAt.After(now) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memAttempts) Create(_ context.Context, _ store.Execer, attempt models.AuthorizationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.UserID == attempt.UserID && row.ProviderKind == attempt.ProviderKind && row.ConsumedAt == nil {
			return &pq.Error{Code: "23505"}
		}
	}
	m.rows[attempt.CorrelationState] = attempt
	return nil
}

func (m *memAttempts) DeletePending(_ context.Context, _ store.Execer, userID string, kind models.ProviderKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for state, row := range m.rows {
		if row.UserID == userID && row.ProviderKind == kind && row.ConsumedAt == nil {
			delete(m.rows, state)
			removed++
		}
	}
	return removed, nil
}

func (m *memAttempts) GetByState(_ context.Context, state string) (models.AuthorizationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[state]
	if !ok {
		return models.AuthorizationAttempt{}, sql.ErrNoRows
	}
	return row, nil
}

func (m *memAttempts) Consume(_ context.Context, _ store.Execer, state string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[state]
	if !ok || row.ConsumedAt != nil || !row.ExpiresAt.After(now) {
		return 0, nil
	}
	row.ConsumedAt = &now
	m.rows[state] = row
	return 1, nil
}

func (m *memAttempts) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for state, row := range m.rows {
		if !row.ExpiresAt.After(before) {
			delete(m.rows, state)
			removed++
		}
	}
	return removed, nil
}

func (m *memAttempts) pending(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, row := range m.rows {
		if row.UserID == userID && row.ConsumedAt == nil {
			count++
		}
	}
	return count
}

type memAudit struct {
	mu      sync.Mutex
	actions []string
}

func (m *memAudit) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := append([]string(nil), m.actions...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.actions = actions
	}
}

func (m *memAudit) Log(_ context.Context, _ store.Execer, _, action, _, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	balances []websocket.BalanceUpdate
	syncs    []websocket.SyncUpdate
}

func (n *recordingNotifier) PublishBalance(_ string, update websocket.BalanceUpdate) {
	n.mu.Lock()
	n.balances = append(n.balances, update)
	n.mu.Unlock()
}

func (n *recordingNotifier) PublishSync(_ string, update websocket.SyncUpdate) {
	n.mu.Lock()
	n.syncs = append(n.syncs, update)
	n.mu.Unlock()
}

// revokeFailingProvider lets everything through except Revoke.
type revokeFailingProvider struct {
	provider.Provider
}

func (revokeFailingProvider) Revoke(context.Context, string) error {
	return provider.ErrProviderUnavailable
}

type testEnv struct {
	clock        *testClock
	connections  *memConnections
	transactions *memTransactions
	attempts     *memAttempts
	audit        *memAudit
	notifier     *recordingNotifier
	oauth        *sandbox.Provider
	link         *sandbox.Provider
	providers    *provider.Set
	vault        *vault.Vault
	connect      *ConnectionService
	sync         *SyncService
}

type envOption func(*envConfig)

type envConfig struct {
	sandboxOpts []sandbox.Option
	wrapOAuth   func(provider.Provider) provider.Provider
}

func withSandboxOptions(opts ...sandbox.Option) envOption {
	return func(c *envConfig) { c.sandboxOpts = append(c.sandboxOpts, opts...) }
}

func withOAuthWrapper(wrap func(provider.Provider) provider.Provider) envOption {
	return func(c *envConfig) { c.wrapOAuth = wrap }
}

const testVaultKey = "0123456789abcdef0123456789abcdef"

func newTestVault(t *testing.T, active string, keys map[string]string) *vault.Vault {
	t.Helper()
	v, err := vault.New(vault.Config{ActiveKeyID: active, Keys: keys})
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	var cfg envConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	clock := newTestClock()
	sandboxOpts := append([]sandbox.Option{sandbox.WithClock(clock.Now)}, cfg.sandboxOpts...)
	env := &testEnv{
		clock:        clock,
		connections:  newMemConnections(clock),
		transactions: newMemTransactions(clock),
		attempts:     newMemAttempts(),
		audit:        &memAudit{},
		notifier:     &recordingNotifier{},
		oauth:        sandbox.NewOAuth(sandboxOpts...),
		link:         sandbox.NewLink(sandboxOpts...),
		vault:        newTestVault(t, "k1", map[string]string{"k1": testVaultKey}),
	}
	var oauth provider.Provider = env.oauth
	if cfg.wrapOAuth != nil {
		oauth = cfg.wrapOAuth(oauth)
	}
	set, err := provider.NewSet(oauth, env.link)
	if err != nil {
		t.Fatalf("provider.NewSet: %v", err)
	}
	env.providers = set
	env.sync = NewSyncService(fakeTxRunner{}, env.connections, env.transactions, set, env.vault,
		WithClock(clock.Now), WithNotifier(env.notifier), WithConcurrency(2))
	env.connect = NewConnectionService(newRollbackTxRunner(env.connections, env.attempts, env.audit), env.connections, env.attempts, env.audit, set, env.vault,
		WithClock(clock.Now), WithSyncTracker(env.sync))
	return env
}

// link connects username through the redirect-style sandbox for userID.
func (e *testEnv) linkOAuth(t *testing.T, userID, username string) ConnectionSummary {
	t.Helper()
	ctx := context.Background()
	started, err := e.connect.Connect(ctx, ConnectRequest{UserID: userID, ProviderKind: models.ProviderSandboxOAuth})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	summary, err := e.connect.CompleteConnection(ctx, CompleteRequest{State: started.CorrelationState, CodeOrHandle: username + ":code"})
	if err != nil {
		t.Fatalf("CompleteConnection: %v", err)
	}
	return summary
}
