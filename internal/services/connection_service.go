package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"banklink/internal/db"
	"banklink/internal/models"
	"banklink/internal/provider"
	"banklink/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const rewrapPageSize = 200

type ConnectionService struct {
	txRunner    db.TxRunner
	connections ConnectionStore
	attempts    AttemptStore
	audit       AuditStore
	providers   Providers
	vault       CredentialVault
	opts        options

	// exchanging holds correlation states whose code is being exchanged.
	exchanging sync.Map
}

func NewConnectionService(txRunner db.TxRunner, connections ConnectionStore, attempts AttemptStore, audit AuditStore, providers Providers, vault CredentialVault, opts ...Option) *ConnectionService {
	return &ConnectionService{
		txRunner:    txRunner,
		connections: connections,
		attempts:    attempts,
		audit:       audit,
		providers:   providers,
		vault:       vault,
		opts:        buildOptions(opts),
	}
}

type ConnectRequest struct {
	UserID       string
	ProviderKind models.ProviderKind
	RedirectURI  string
}

type ConnectResult struct {
	Initiation       provider.Initiation
	CorrelationState string
	ExpiresAt        time.Time
}

type CompleteRequest struct {
	State        string
	CodeOrHandle string
	// UserID and ProviderKind, when set, must match the attempt.
	UserID       string
	ProviderKind models.ProviderKind
}

type ConnectionSummary struct {
	AccountsDiscovered int      `json:"accounts_discovered"`
	ConnectionIDs      []string `json:"connection_ids"`
}

// ConnectionView is a stored connection, or a pending authorization when
// State is auth_pending or exchanging. Pending entries carry only the user,
// provider and AuthExpiresAt.
type ConnectionView struct {
	models.BankConnection
	State         models.ConnectionState `json:"state"`
	AuthExpiresAt *time.Time             `json:"auth_expires_at,omitempty"`
}

type RewrapSummary struct {
	Scanned   int `json:"scanned"`
	Rewrapped int `json:"rewrapped"`
	Skipped   int `json:"skipped"`
}

// Connect starts an authorization. Any earlier unconsumed attempt for the same
// user and provider is discarded so only one correlation state is live.
func (s *ConnectionService) Connect(ctx context.Context, req ConnectRequest) (ConnectResult, error) {
	p, err := s.providers.Get(req.ProviderKind)
	if err != nil {
		return ConnectResult{}, err
	}
	state, err := newCorrelationState()
	if err != nil {
		return ConnectResult{}, err
	}
	now := s.opts.now().UTC()
	attempt := models.AuthorizationAttempt{
		CorrelationState: state,
		UserID:           req.UserID,
		ProviderKind:     req.ProviderKind,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.opts.attemptTTL),
	}
	if req.RedirectURI != "" {
		attempt.RedirectURI = &req.RedirectURI
	}

	err = s.replaceAttempt(ctx, attempt)
	if err != nil && db.IsUniqueViolation(err) {
		// a concurrent Connect for the same pair won the partial unique index
		err = s.replaceAttempt(ctx, attempt)
	}
	if err != nil {
		return ConnectResult{}, fmt.Errorf("store authorization attempt: %w", err)
	}

	initiation, err := p.InitiateAuth(ctx, provider.AuthRequest{
		UserID:      req.UserID,
		State:       state,
		RedirectURI: req.RedirectURI,
	})
	if err != nil {
		s.opts.metrics.AuthAttempt(string(req.ProviderKind), "initiate", "error")
		return ConnectResult{}, fmt.Errorf("initiate %s authorization: %w", req.ProviderKind, err)
	}
	s.opts.metrics.AuthAttempt(string(req.ProviderKind), "initiate", "ok")
	s.opts.logger.Info("authorization started", "user_id", req.UserID, "provider", req.ProviderKind)
	return ConnectResult{Initiation: initiation, CorrelationState: state, ExpiresAt: attempt.ExpiresAt}, nil
}

func (s *ConnectionService) replaceAttempt(ctx context.Context, attempt models.AuthorizationAttempt) error {
	return s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.attempts.DeletePending(ctx, tx, attempt.UserID, attempt.ProviderKind); err != nil {
			return err
		}
		if err := s.attempts.Create(ctx, tx, attempt); err != nil {
			return err
		}
		return s.audit.Log(ctx, tx, attempt.UserID, "connection.initiated", "user", attempt.UserID, auditData(map[string]any{
			"provider": attempt.ProviderKind,
		}))
	})
}

// CompleteConnection exchanges the code or public token and persists one
// connection per discovered account. Either every account is stored and the
// attempt consumed, or nothing is written.
func (s *ConnectionService) CompleteConnection(ctx context.Context, req CompleteRequest) (ConnectionSummary, error) {
	if req.State == "" {
		return ConnectionSummary{}, ErrAuthExpired
	}
	attempt, err := s.attempts.GetByState(ctx, req.State)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConnectionSummary{}, ErrAuthExpired
		}
		return ConnectionSummary{}, fmt.Errorf("load authorization attempt: %w", err)
	}
	now := s.opts.now().UTC()
	if attempt.Consumed() || attempt.Expired(now) {
		s.opts.metrics.AuthAttempt(string(attempt.ProviderKind), "complete", "expired")
		return ConnectionSummary{}, ErrAuthExpired
	}
	if (req.UserID != "" && req.UserID != attempt.UserID) || (req.ProviderKind != "" && req.ProviderKind != attempt.ProviderKind) {
		s.opts.metrics.AuthAttempt(string(attempt.ProviderKind), "complete", "mismatch")
		return ConnectionSummary{}, ErrAuthStateMismatch
	}
	p, err := s.providers.Get(attempt.ProviderKind)
	if err != nil {
		return ConnectionSummary{}, err
	}
	s.exchanging.Store(attempt.CorrelationState, struct{}{})
	defer s.exchanging.Delete(attempt.CorrelationState)

	exchange := provider.ExchangeRequest{CodeOrHandle: req.CodeOrHandle}
	if attempt.RedirectURI != nil {
		exchange.RedirectURI = *attempt.RedirectURI
	}
	credential, err := p.CompleteAuth(ctx, exchange)
	if err != nil {
		s.opts.metrics.AuthAttempt(string(attempt.ProviderKind), "complete", "rejected")
		return ConnectionSummary{}, fmt.Errorf("exchange %s authorization: %w", attempt.ProviderKind, err)
	}
	accounts, err := p.ListAccounts(ctx, credential.AccessToken)
	if err != nil {
		s.revokeQuietly(ctx, p, credential.AccessToken, attempt.UserID)
		return ConnectionSummary{}, fmt.Errorf("list %s accounts: %w", attempt.ProviderKind, err)
	}
	if len(accounts) == 0 {
		s.opts.metrics.AuthAttempt(string(attempt.ProviderKind), "complete", "no_accounts")
		s.revokeQuietly(ctx, p, credential.AccessToken, attempt.UserID)
		// a successful exchange spends the state even without accounts
		if err := s.consumeAttempt(ctx, attempt, now); err != nil {
			return ConnectionSummary{}, err
		}
		return ConnectionSummary{}, ErrNoAccountsFound
	}

	inputs := make([]store.ConnectionInput, 0, len(accounts))
	for _, account := range accounts {
		input, err := s.connectionInput(ctx, p, attempt, credential, account)
		if err != nil {
			s.revokeQuietly(ctx, p, credential.AccessToken, attempt.UserID)
			return ConnectionSummary{}, err
		}
		inputs = append(inputs, input)
	}

	var ids []string
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		ids = ids[:0]
		rows, err := s.attempts.Consume(ctx, tx, attempt.CorrelationState, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrAuthExpired
		}
		for _, input := range inputs {
			id, err := s.connections.Upsert(ctx, tx, input)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: %s", ErrAccountLinkedElsewhere, input.AccountName)
				}
				return err
			}
			ids = append(ids, id)
			err = s.audit.Log(ctx, tx, attempt.UserID, "connection.completed", "bank_connection", id, auditData(map[string]any{
				"provider":     attempt.ProviderKind,
				"account_type": input.AccountType,
			}))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.revokeQuietly(ctx, p, credential.AccessToken, attempt.UserID)
		if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAccountLinkedElsewhere) {
			return ConnectionSummary{}, err
		}
		return ConnectionSummary{}, fmt.Errorf("persist connections: %w", err)
	}

	s.opts.metrics.AuthAttempt(string(attempt.ProviderKind), "complete", "ok")
	s.opts.logger.Info("connection completed", "user_id", attempt.UserID, "provider", attempt.ProviderKind, "accounts", len(ids))
	return ConnectionSummary{AccountsDiscovered: len(accounts), ConnectionIDs: ids}, nil
}

// consumeAttempt marks the attempt used without persisting any connection.
func (s *ConnectionService) consumeAttempt(ctx context.Context, attempt models.AuthorizationAttempt, now time.Time) error {
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := s.attempts.Consume(ctx, tx, attempt.CorrelationState, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrAuthExpired
		}
		return s.audit.Log(ctx, tx, attempt.UserID, "connection.no_accounts", "user", attempt.UserID, auditData(map[string]any{
			"provider": attempt.ProviderKind,
		}))
	})
	if err != nil && !errors.Is(err, ErrAuthExpired) {
		return fmt.Errorf("consume authorization attempt: %w", err)
	}
	return err
}

func (s *ConnectionService) connectionInput(ctx context.Context, p provider.Provider, attempt models.AuthorizationAttempt, credential provider.Credential, account provider.Account) (store.ConnectionInput, error) {
	balance := account.Balance
	if balance == nil {
		fetched, err := p.GetAccountBalance(ctx, credential.AccessToken, account.Ref)
		if err != nil {
			return store.ConnectionInput{}, fmt.Errorf("fetch balance for %s: %w", account.Ref, err)
		}
		balance = &fetched
	}
	access, refresh, err := sealCredential(s.vault, credential)
	if err != nil {
		return store.ConnectionInput{}, err
	}
	return store.ConnectionInput{
		ID:                    uuid.NewString(),
		UserID:                attempt.UserID,
		ProviderKind:          attempt.ProviderKind,
		ProviderAccountRef:    account.Ref,
		ProviderItemRef:       credential.ProviderAccountRef,
		AccountName:           account.Name,
		AccountType:           account.Type,
		Currency:              account.Currency,
		CurrentBalance:        balance.Current,
		AvailableBalance:      balance.Available,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		CredentialExpiresAt:   credential.ExpiresAt,
	}, nil
}

// Disconnect deactivates a connection owned by userID. The provider grant is
// revoked only when no other active connection still relies on it, and a
// failed revoke never blocks the local disconnect.
func (s *ConnectionService) Disconnect(ctx context.Context, userID, connectionID string) error {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConnectionNotFound
		}
		return fmt.Errorf("load connection: %w", err)
	}
	if conn.UserID != userID {
		return ErrConnectionNotFound
	}
	if !conn.IsActive {
		return nil
	}

	var changed bool
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := s.connections.Deactivate(ctx, tx, connectionID, userID)
		if err != nil {
			return err
		}
		changed = rows > 0
		if !changed {
			return nil
		}
		return s.audit.Log(ctx, tx, userID, "connection.disconnected", "bank_connection", connectionID, auditData(map[string]any{
			"provider": conn.ProviderKind,
		}))
	})
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	if !changed {
		return nil
	}
	s.opts.logger.Info("connection disconnected", "user_id", userID, "connection_id", connectionID)

	remaining, err := s.connections.CountActiveByItem(ctx, conn.ProviderKind, conn.ProviderItemRef)
	if err != nil {
		s.opts.logger.Warn("skipping revoke", "connection_id", connectionID, "error", err)
		return nil
	}
	if remaining > 0 {
		return nil
	}
	p, err := s.providers.Get(conn.ProviderKind)
	if err != nil {
		s.opts.logger.Warn("skipping revoke", "connection_id", connectionID, "error", err)
		return nil
	}
	access, err := s.vault.Decrypt(conn.EncryptedAccessToken)
	if err != nil {
		s.opts.logger.Warn("skipping revoke", "connection_id", connectionID, "error", err)
		return nil
	}
	s.revokeQuietly(ctx, p, access, userID)
	return nil
}

// ListConnections returns the user's connections followed by live
// authorization attempts.
func (s *ConnectionService) ListConnections(ctx context.Context, userID string) ([]ConnectionView, error) {
	conns, err := s.connections.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]ConnectionView, 0, len(conns))
	for _, conn := range conns {
		state := conn.State()
		if state != models.StateDisconnected && s.opts.tracker != nil && s.opts.tracker.InFlight(conn.ID) {
			state = models.StateSyncing
		}
		views = append(views, ConnectionView{BankConnection: conn, State: state})
	}
	pending, err := s.attempts.ListPending(ctx, userID, s.opts.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending attempts: %w", err)
	}
	for _, attempt := range pending {
		state := models.StateAuthPending
		if _, ok := s.exchanging.Load(attempt.CorrelationState); ok {
			state = models.StateExchanging
		}
		expiresAt := attempt.ExpiresAt
		views = append(views, ConnectionView{
			BankConnection: models.BankConnection{
				UserID:       attempt.UserID,
				ProviderKind: attempt.ProviderKind,
				CreatedAt:    attempt.CreatedAt,
				UpdatedAt:    attempt.CreatedAt,
			},
			State:         state,
			AuthExpiresAt: &expiresAt,
		})
	}
	return views, nil
}

// GarbageCollect removes authorization attempts past their expiry.
func (s *ConnectionService) GarbageCollect(ctx context.Context) (int64, error) {
	removed, err := s.attempts.DeleteExpired(ctx, s.opts.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired attempts: %w", err)
	}
	if removed > 0 {
		s.opts.logger.Info("expired authorization attempts removed", "count", removed)
	}
	return removed, nil
}

// RewrapCredentials re-seals every stored credential under the vault's active
// key. Rows changed concurrently are skipped and picked up by the next run.
func (s *ConnectionService) RewrapCredentials(ctx context.Context) (RewrapSummary, error) {
	var summary RewrapSummary
	afterID := ""
	for {
		page, err := s.connections.ListAll(ctx, afterID, rewrapPageSize)
		if err != nil {
			return summary, fmt.Errorf("list connections: %w", err)
		}
		for _, conn := range page {
			summary.Scanned++
			afterID = conn.ID
			update, changed, err := s.rewrap(conn)
			if err != nil {
				return summary, fmt.Errorf("rewrap connection %s: %w", conn.ID, err)
			}
			if !changed {
				continue
			}
			var rows int64
			err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
				var err error
				rows, err = s.connections.UpdateCredentials(ctx, tx, update)
				return err
			})
			if err != nil {
				return summary, fmt.Errorf("store rewrapped credential %s: %w", conn.ID, err)
			}
			if rows == 0 {
				summary.Skipped++
				continue
			}
			summary.Rewrapped++
		}
		if len(page) < rewrapPageSize {
			break
		}
	}
	s.opts.logger.Info("credential rewrap finished", "scanned", summary.Scanned, "rewrapped", summary.Rewrapped, "skipped", summary.Skipped)
	return summary, nil
}

func (s *ConnectionService) rewrap(conn models.BankConnection) (store.CredentialUpdate, bool, error) {
	access, accessChanged, err := s.vault.Rewrap(conn.EncryptedAccessToken)
	if err != nil {
		return store.CredentialUpdate{}, false, err
	}
	refresh := conn.EncryptedRefreshToken
	refreshChanged := false
	if refresh != nil {
		rewrapped, changed, err := s.vault.Rewrap(*refresh)
		if err != nil {
			return store.CredentialUpdate{}, false, err
		}
		refresh, refreshChanged = &rewrapped, changed
	}
	return store.CredentialUpdate{
		ID:                    conn.ID,
		Version:               conn.Version,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		CredentialExpiresAt:   conn.CredentialExpiresAt,
	}, accessChanged || refreshChanged, nil
}

func (s *ConnectionService) revokeQuietly(ctx context.Context, p provider.Provider, accessToken, userID string) {
	if err := p.Revoke(ctx, accessToken); err != nil {
		s.opts.logger.Warn("provider revoke failed", "provider", p.Kind(), "user_id", userID, "error", err)
	}
}

// sealCredential encrypts the access token and, when issued, the refresh token.
func sealCredential(v CredentialVault, credential provider.Credential) (string, *string, error) {
	access, err := v.Encrypt(credential.AccessToken)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt access token: %w", err)
	}
	if credential.RefreshToken == "" {
		return access, nil, nil
	}
	refresh, err := v.Encrypt(credential.RefreshToken)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return access, &refresh, nil
}

func newCorrelationState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate correlation state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func auditData(fields map[string]any) string {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(payload)
}
