package store

import (
	"context"
	"time"

	"banklink/internal/models"

	"github.com/shopspring/decimal"
)

type ConnectionStore struct {
	db DB
}

const connectionColumns = `id, user_id, provider_kind, provider_account_ref, provider_item_ref, account_name, account_type,
	currency, current_balance, available_balance, is_active, last_synced_at, encrypted_access_token,
	encrypted_refresh_token, credential_expires_at, last_error, last_error_at, version, created_at, updated_at`

type ConnectionInput struct {
	ID                    string
	UserID                string
	ProviderKind          models.ProviderKind
	ProviderAccountRef    string
	ProviderItemRef       string
	AccountName           string
	AccountType           models.AccountType
	Currency              string
	CurrentBalance        decimal.Decimal
	AvailableBalance      decimal.Decimal
	EncryptedAccessToken  string
	EncryptedRefreshToken *string
	CredentialExpiresAt   *time.Time
}

// CredentialUpdate carries re-sealed credentials for a single row.
type CredentialUpdate struct {
	ID                    string
	Version               int64
	EncryptedAccessToken  string
	EncryptedRefreshToken *string
	CredentialExpiresAt   *time.Time
}

func NewConnectionStore(db DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Upsert inserts a connection or, when the same provider account is already
// linked by the same user, reactivates it with fresh credentials. A provider
// account linked by another user yields sql.ErrNoRows.
func (s *ConnectionStore) Upsert(ctx context.Context, tx Getter, input ConnectionInput) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		INSERT INTO bank_connections (id, user_id, provider_kind, provider_account_ref, provider_item_ref, account_name, account_type,
			currency, current_balance, available_balance, is_active, encrypted_access_token, encrypted_refresh_token, credential_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, $12, $13)
		ON CONFLICT (provider_kind, provider_account_ref) DO UPDATE SET
			provider_item_ref = EXCLUDED.provider_item_ref,
			account_name = EXCLUDED.account_name,
			account_type = EXCLUDED.account_type,
			currency = EXCLUDED.currency,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			is_active = TRUE,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			credential_expires_at = EXCLUDED.credential_expires_at,
			last_error = NULL,
			last_error_at = NULL,
			version = bank_connections.version + 1,
			updated_at = NOW()
		WHERE bank_connections.user_id = EXCLUDED.user_id
		RETURNING id
	`, input.ID, input.UserID, input.ProviderKind, input.ProviderAccountRef, input.ProviderItemRef, input.AccountName, input.AccountType,
		input.Currency, input.CurrentBalance, input.AvailableBalance, input.EncryptedAccessToken, input.EncryptedRefreshToken, input.CredentialExpiresAt)
	return id, err
}

func (s *ConnectionStore) GetByID(ctx context.Context, connectionID string) (models.BankConnection, error) {
	var row models.BankConnection
	err := s.db.GetContext(ctx, &row, `SELECT `+connectionColumns+` FROM bank_connections WHERE id = $1`, connectionID)
	return row, err
}

func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]models.BankConnection, error) {
	var rows []models.BankConnection
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+connectionColumns+`
		FROM bank_connections
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ConnectionStore) ListActiveByUser(ctx context.Context, userID string) ([]models.BankConnection, error) {
	var rows []models.BankConnection
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+connectionColumns+`
		FROM bank_connections
		WHERE user_id = $1 AND is_active
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListAll walks every row, active or not, in id order. Used by key rotation.
func (s *ConnectionStore) ListAll(ctx context.Context, afterID string, limit int) ([]models.BankConnection, error) {
	var rows []models.BankConnection
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+connectionColumns+`
		FROM bank_connections
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ConnectionStore) ListUsersWithActive(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users, `
		SELECT DISTINCT user_id
		FROM bank_connections
		WHERE is_active
		ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *ConnectionStore) CountActiveByItem(ctx context.Context, kind models.ProviderKind, itemRef string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM bank_connections
		WHERE provider_kind = $1 AND provider_item_ref = $2 AND is_active
	`, kind, itemRef)
	return count, err
}

func (s *ConnectionStore) Deactivate(ctx context.Context, tx Execer, connectionID, userID string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE bank_connections
		SET is_active = FALSE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND is_active
	`, connectionID, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RecordSyncSuccess stores fresh balances and clears the last error, but only
// if the row is still at the expected version.
func (s *ConnectionStore) RecordSyncSuccess(ctx context.Context, tx Execer, connectionID string, version int64, current, available decimal.Decimal, syncedAt time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE bank_connections
		SET current_balance = $1, available_balance = $2, last_synced_at = $3,
		    last_error = NULL, last_error_at = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5 AND is_active
	`, current, available, syncedAt, connectionID, version)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RecordSyncFailure flags the row with the provider error. last_synced_at is
// left untouched.
func (s *ConnectionStore) RecordSyncFailure(ctx context.Context, tx Execer, connectionID string, version int64, message string, failedAt time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE bank_connections
		SET last_error = $1, last_error_at = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`, message, failedAt, connectionID, version)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *ConnectionStore) UpdateCredentials(ctx context.Context, tx Execer, update CredentialUpdate) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE bank_connections
		SET encrypted_access_token = $1, encrypted_refresh_token = $2, credential_expires_at = $3,
		    version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
	`, update.EncryptedAccessToken, update.EncryptedRefreshToken, update.CredentialExpiresAt, update.ID, update.Version)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
