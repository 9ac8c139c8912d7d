package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProviderKind string

const (
	ProviderSandboxOAuth ProviderKind = "sandbox_oauth"
	ProviderSandboxLink  ProviderKind = "sandbox_link"
)

var providerKinds = []ProviderKind{ProviderSandboxOAuth, ProviderSandboxLink}

// ProviderKinds returns the closed set of provider kinds known at build time.
func ProviderKinds() []ProviderKind {
	out := make([]ProviderKind, len(providerKinds))
	copy(out, providerKinds)
	return out
}

func (k ProviderKind) Valid() bool {
	for _, known := range providerKinds {
		if k == known {
			return true
		}
	}
	return false
}

type AccountType string

const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountCreditCard AccountType = "credit_card"
)

type TransactionKind string

const (
	KindDebit  TransactionKind = "debit"
	KindCredit TransactionKind = "credit"
)

// ConnectionState is derived, never stored: rows only persist is_active,
// last_synced_at and last_error. auth_pending and exchanging describe a live
// authorization attempt before any row exists.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateAuthPending  ConnectionState = "auth_pending"
	StateExchanging   ConnectionState = "exchanging"
	StateConnected    ConnectionState = "connected"
	StateSyncing      ConnectionState = "syncing"
	StateError        ConnectionState = "error"
)

type BankConnection struct {
	ID                    string          `db:"id" json:"id"`
	UserID                string          `db:"user_id" json:"user_id"`
	ProviderKind          ProviderKind    `db:"provider_kind" json:"provider_kind"`
	ProviderAccountRef    string          `db:"provider_account_ref" json:"-"`
	ProviderItemRef       string          `db:"provider_item_ref" json:"-"`
	AccountName           string          `db:"account_name" json:"account_name"`
	AccountType           AccountType     `db:"account_type" json:"account_type"`
	Currency              string          `db:"currency" json:"currency"`
	CurrentBalance        decimal.Decimal `db:"current_balance" json:"current_balance"`
	AvailableBalance      decimal.Decimal `db:"available_balance" json:"available_balance"`
	IsActive              bool            `db:"is_active" json:"is_active"`
	LastSyncedAt          *time.Time      `db:"last_synced_at" json:"last_synced_at,omitempty"`
	EncryptedAccessToken  string          `db:"encrypted_access_token" json:"-"`
	EncryptedRefreshToken *string         `db:"encrypted_refresh_token" json:"-"`
	CredentialExpiresAt   *time.Time      `db:"credential_expires_at" json:"credential_expires_at,omitempty"`
	LastError             *string         `db:"last_error" json:"last_error,omitempty"`
	LastErrorAt           *time.Time      `db:"last_error_at" json:"last_error_at,omitempty"`
	Version               int64           `db:"version" json:"-"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

func (c BankConnection) State() ConnectionState {
	switch {
	case !c.IsActive:
		return StateDisconnected
	case c.LastError != nil && (c.LastSyncedAt == nil || (c.LastErrorAt != nil && c.LastErrorAt.After(*c.LastSyncedAt))):
		return StateError
	default:
		return StateConnected
	}
}

type Transaction struct {
	ID                    string          `db:"id" json:"id"`
	UserID                string          `db:"user_id" json:"user_id"`
	BankConnectionID      string          `db:"bank_connection_id" json:"bank_connection_id"`
	ProviderKind          ProviderKind    `db:"provider_kind" json:"provider_kind"`
	ProviderTransactionID string          `db:"provider_transaction_id" json:"provider_transaction_id"`
	Amount                decimal.Decimal `db:"amount" json:"amount"`
	Currency              string          `db:"currency" json:"currency"`
	Description           string          `db:"description" json:"description"`
	MerchantName          *string         `db:"merchant_name" json:"merchant_name,omitempty"`
	Category              string          `db:"category" json:"category"`
	Kind                  TransactionKind `db:"kind" json:"kind"`
	TransactionDate       time.Time       `db:"transaction_date" json:"transaction_date"`
	PostedDate            *time.Time      `db:"posted_date" json:"posted_date,omitempty"`
	Pending               bool            `db:"pending" json:"pending"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

type AuthorizationAttempt struct {
	CorrelationState string       `db:"correlation_state"`
	UserID           string       `db:"user_id"`
	ProviderKind     ProviderKind `db:"provider_kind"`
	RedirectURI      *string      `db:"redirect_uri"`
	CreatedAt        time.Time    `db:"created_at"`
	ExpiresAt        time.Time    `db:"expires_at"`
	ConsumedAt       *time.Time   `db:"consumed_at"`
}

func (a AuthorizationAttempt) Consumed() bool {
	return a.ConsumedAt != nil
}

func (a AuthorizationAttempt) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
