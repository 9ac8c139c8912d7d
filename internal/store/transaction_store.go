package store

import (
	"context"

	"banklink/internal/models"
)

type TransactionStore struct {
	db DB
}

func NewTransactionStore(db DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// Upsert merges one canonical transaction keyed by (provider_kind,
// provider_transaction_id). Mutable fields are overwritten on conflict; id,
// owner, connection and created_at are kept. inserted is false when an
// existing row was updated.
func (s *TransactionStore) Upsert(ctx context.Context, tx Getter, input models.Transaction) (bool, error) {
	var inserted bool
	err := tx.GetContext(ctx, &inserted, `
		INSERT INTO transactions (id, user_id, bank_connection_id, provider_kind, provider_transaction_id, amount, currency,
			description, merchant_name, category, kind, transaction_date, posted_date, pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (provider_kind, provider_transaction_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			description = EXCLUDED.description,
			merchant_name = EXCLUDED.merchant_name,
			category = EXCLUDED.category,
			kind = EXCLUDED.kind,
			transaction_date = EXCLUDED.transaction_date,
			posted_date = EXCLUDED.posted_date,
			pending = EXCLUDED.pending,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`, input.ID, input.UserID, input.BankConnectionID, input.ProviderKind, input.ProviderTransactionID, input.Amount, input.Currency,
		input.Description, input.MerchantName, input.Category, input.Kind, input.TransactionDate, input.PostedDate, input.Pending)
	return inserted, err
}

func (s *TransactionStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, bank_connection_id, provider_kind, provider_transaction_id, amount, currency, description,
		       merchant_name, category, kind, transaction_date, posted_date, pending, created_at, updated_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY transaction_date DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
