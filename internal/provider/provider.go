// Package provider defines the contract every external banking data source
// implements. Values crossing this boundary are already canonical: signed
// amounts, canonical account types and categories. Nothing outside an
// implementation sees provider-native field names.
package provider

import (
	"context"
	"errors"
	"time"

	"banklink/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrProviderUnavailable covers transient network failures and 5xx responses.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrInvalidCredential means the provider rejected a code, token or refresh token.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrUnsupportedOperation is returned for capabilities a provider does not
	// have, e.g. refreshing a credential that never expires.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnknownProvider      = errors.New("unknown provider")
)

type Provider interface {
	Kind() models.ProviderKind
	InitiateAuth(ctx context.Context, req AuthRequest) (Initiation, error)
	// CompleteAuth exchanges the redirect authorization code or the
	// client-side public token for credentials.
	CompleteAuth(ctx context.Context, req ExchangeRequest) (Credential, error)
	RefreshCredential(ctx context.Context, refreshToken string) (Credential, error)
	ListAccounts(ctx context.Context, accessToken string) ([]Account, error)
	GetAccountBalance(ctx context.Context, accessToken, accountRef string) (Balance, error)
	ListTransactions(ctx context.Context, accessToken, accountRef string, from, to time.Time) ([]Transaction, error)
	Revoke(ctx context.Context, accessToken string) error
}

type AuthRequest struct {
	UserID      string
	State       string
	RedirectURI string
}

// ExchangeRequest carries the code or public token. RedirectURI must repeat
// the value sent with InitiateAuth, as authorization-code exchanges require.
type ExchangeRequest struct {
	CodeOrHandle string
	RedirectURI  string
}

// Initiation is either Redirect or ClientHandle.
type Initiation interface {
	initiation()
}

// Redirect sends the user agent to the provider; the provider calls back
// with a code and the same correlation state.
type Redirect struct {
	URL string
}

// ClientHandle is a short-lived session handle for a client-side widget that
// later yields a public token.
type ClientHandle struct {
	Token     string
	ExpiresAt time.Time
}

func (Redirect) initiation()     {}
func (ClientHandle) initiation() {}

// Credential is the result of an exchange or refresh. RefreshToken is empty
// and ExpiresAt nil for providers that never issue or expire them.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	// ProviderAccountRef identifies the provider-side login (item) the
	// credential grants access to; every discovered account shares it.
	ProviderAccountRef string
}

func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

type Balance struct {
	Current   decimal.Decimal
	Available decimal.Decimal
}

type Account struct {
	Ref      string
	Name     string
	Type     models.AccountType
	Currency string
	// Balance is nil when the listing does not carry balances.
	Balance *Balance
}

type Transaction struct {
	ID          string
	Amount      decimal.Decimal
	Kind        models.TransactionKind
	Currency    string
	Description string
	Merchant    *string
	Category    string
	Date        time.Time
	PostedDate  *time.Time
	Pending     bool
}
