package store

import (
	"context"
	"time"

	"banklink/internal/models"
)

type AuthAttemptStore struct {
	db DB
}

func NewAuthAttemptStore(db DB) *AuthAttemptStore {
	return &AuthAttemptStore{db: db}
}

func (s *AuthAttemptStore) Create(ctx context.Context, tx Execer, attempt models.AuthorizationAttempt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO authorization_attempts (correlation_state, user_id, provider_kind, redirect_uri, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, attempt.CorrelationState, attempt.UserID, attempt.ProviderKind, attempt.RedirectURI, attempt.CreatedAt, attempt.ExpiresAt)
	return err
}

// DeletePending drops every unconsumed attempt for the pair so the next one
// becomes the only live correlation state.
func (s *AuthAttemptStore) DeletePending(ctx context.Context, tx Execer, userID string, kind models.ProviderKind) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM authorization_attempts
		WHERE user_id = $1 AND provider_kind = $2 AND consumed_at IS NULL
	`, userID, kind)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *AuthAttemptStore) GetByState(ctx context.Context, state string) (models.AuthorizationAttempt, error) {
	var attempt models.AuthorizationAttempt
	err := s.db.GetContext(ctx, &attempt, `
		SELECT correlation_state, user_id, provider_kind, redirect_uri, created_at, expires_at, consumed_at
		FROM authorization_attempts
		WHERE correlation_state = $1
	`, state)
	return attempt, err
}

// Consume flips the attempt to consumed. Zero rows means it was already used
// or has expired.
func (s *AuthAttemptStore) Consume(ctx context.Context, tx Execer, state string, now time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE authorization_attempts
		SET consumed_at = $2
		WHERE correlation_state = $1 AND consumed_at IS NULL AND expires_at > $2
	`, state, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListPending returns the user's unconsumed attempts that have not expired.
func (s *AuthAttemptStore) ListPending(ctx context.Context, userID string, now time.Time) ([]models.AuthorizationAttempt, error) {
	var attempts []models.AuthorizationAttempt
	err := s.db.SelectContext(ctx, &attempts, `
		SELECT correlation_state, user_id, provider_kind, redirect_uri, created_at, expires_at, consumed_at
		FROM authorization_attempts
		WHERE user_id = $1 AND consumed_at IS NULL AND expires_at > $2
		ORDER BY created_at
	`, userID, now)
	return attempts, err
}

func (s *AuthAttemptStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM authorization_attempts WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
