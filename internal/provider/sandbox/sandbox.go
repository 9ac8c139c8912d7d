// Package sandbox is the reference provider. It needs no network access and
// produces reproducible data: every login owns a checking account and a
// credit card, and every calendar day yields the same transactions with the
// same ids, so overlapping sync windows re-observe identical records.
//
// Codes and public tokens carry a sandbox username ("alice", "alice:xyz").
// Two usernames are special: "deny" is rejected as an invalid credential and
// "empty" authenticates a login without any accounts.
package sandbox

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"banklink/internal/models"
	"banklink/internal/provider"

	"github.com/google/uuid"
)

type Style int

const (
	// StyleRedirect issues a redirect URL and exchanges an authorization code.
	// Credentials expire after an hour and are refreshable.
	StyleRedirect Style = iota + 1
	// StyleLink issues a client handle and exchanges a public token.
	// Credentials never expire.
	StyleLink
)

const (
	accessPrefix     = "sbx"
	refreshPrefix    = "sbxr"
	publicPrefix     = "public-sandbox-"
	handlePrefix     = "link-sandbox-"
	accessTTL        = time.Hour
	handleTTL        = 30 * time.Minute
	defaultAuthorize = "https://sandbox.banklink.test/oauth/authorize"
)

type Option func(*Provider)

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func WithAuthorizeURL(raw string) Option {
	return func(p *Provider) { p.authorizeURL = raw }
}

// WithRegisteredRedirects restricts the redirect style to the listed
// redirect URIs. InitiateAuth and CompleteAuth both reject any other value,
// including an empty one.
func WithRegisteredRedirects(uris ...string) Option {
	return func(p *Provider) {
		p.redirects = make(map[string]struct{}, len(uris))
		for _, uri := range uris {
			p.redirects[uri] = struct{}{}
		}
	}
}

// WithTransactionFault makes ListTransactions return the error fn yields for
// an account ref, when non-nil.
func WithTransactionFault(fn func(accountRef string) error) Option {
	return func(p *Provider) { p.transactionFault = fn }
}

type Provider struct {
	kind             models.ProviderKind
	style            Style
	authorizeURL     string
	now              func() time.Time
	transactionFault func(accountRef string) error
	redirects        map[string]struct{}

	mu      sync.Mutex
	revoked map[string]struct{}
}

var _ provider.Provider = (*Provider)(nil)

func New(kind models.ProviderKind, style Style, opts ...Option) *Provider {
	p := &Provider{
		kind:         kind,
		style:        style,
		authorizeURL: defaultAuthorize,
		now:          time.Now,
		revoked:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOAuth and NewLink build the two sandbox kinds the application ships with.
func NewOAuth(opts ...Option) *Provider {
	return New(models.ProviderSandboxOAuth, StyleRedirect, opts...)
}

func NewLink(opts ...Option) *Provider {
	return New(models.ProviderSandboxLink, StyleLink, opts...)
}

// ForKind builds the sandbox provider registered under kind.
func ForKind(kind models.ProviderKind, opts ...Option) (*Provider, error) {
	switch kind {
	case models.ProviderSandboxOAuth:
		return NewOAuth(opts...), nil
	case models.ProviderSandboxLink:
		return NewLink(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, kind)
	}
}

// PublicToken simulates the client-side widget step of the link flow.
func PublicToken(username string) string {
	return publicPrefix + username
}

func (p *Provider) Kind() models.ProviderKind {
	return p.kind
}

func (p *Provider) InitiateAuth(ctx context.Context, req provider.AuthRequest) (provider.Initiation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.State == "" {
		return nil, fmt.Errorf("sandbox: correlation state is required")
	}
	switch p.style {
	case StyleRedirect:
		if err := p.checkRedirect(req.RedirectURI); err != nil {
			return nil, err
		}
		target, err := url.Parse(p.authorizeURL)
		if err != nil {
			return nil, fmt.Errorf("sandbox: authorize url: %w", err)
		}
		query := target.Query()
		query.Set("response_type", "code")
		query.Set("client_id", string(p.kind))
		query.Set("state", req.State)
		if req.RedirectURI != "" {
			query.Set("redirect_uri", req.RedirectURI)
		}
		target.RawQuery = query.Encode()
		return provider.Redirect{URL: target.String()}, nil
	case StyleLink:
		return provider.ClientHandle{
			Token:     handlePrefix + strings.ReplaceAll(uuid.NewString(), "-", ""),
			ExpiresAt: p.now().Add(handleTTL).UTC(),
		}, nil
	default:
		return nil, fmt.Errorf("sandbox: unknown style %d", p.style)
	}
}

func (p *Provider) CompleteAuth(ctx context.Context, req provider.ExchangeRequest) (provider.Credential, error) {
	if err := ctx.Err(); err != nil {
		return provider.Credential{}, err
	}
	raw := req.CodeOrHandle
	if p.style == StyleRedirect {
		if err := p.checkRedirect(req.RedirectURI); err != nil {
			return provider.Credential{}, err
		}
	}
	if p.style == StyleLink {
		if !strings.HasPrefix(raw, publicPrefix) {
			return provider.Credential{}, fmt.Errorf("sandbox: malformed public token: %w", provider.ErrInvalidCredential)
		}
		raw = strings.TrimPrefix(raw, publicPrefix)
	}
	subject, err := subjectFromCode(raw)
	if err != nil {
		return provider.Credential{}, err
	}
	return p.issue(subject), nil
}

func (p *Provider) checkRedirect(uri string) error {
	if p.redirects == nil {
		return nil
	}
	if _, ok := p.redirects[uri]; !ok {
		return fmt.Errorf("sandbox: redirect uri %q not registered: %w", uri, provider.ErrInvalidCredential)
	}
	return nil
}

func (p *Provider) RefreshCredential(ctx context.Context, refreshToken string) (provider.Credential, error) {
	if err := ctx.Err(); err != nil {
		return provider.Credential{}, err
	}
	if p.style != StyleRedirect {
		return provider.Credential{}, fmt.Errorf("sandbox link credentials never expire: %w", provider.ErrUnsupportedOperation)
	}
	subject, err := p.subjectFromToken(refreshPrefix, refreshToken)
	if err != nil {
		return provider.Credential{}, err
	}
	return p.issue(subject), nil
}

func (p *Provider) ListAccounts(ctx context.Context, accessToken string) ([]provider.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subject, err := p.subjectFromToken(accessPrefix, accessToken)
	if err != nil {
		return nil, err
	}
	native := nativeAccountsFor(subject)
	accounts := make([]provider.Account, 0, len(native))
	for _, account := range native {
		mapped, err := account.canonical()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, mapped)
	}
	return accounts, nil
}

func (p *Provider) GetAccountBalance(ctx context.Context, accessToken, accountRef string) (provider.Balance, error) {
	if err := ctx.Err(); err != nil {
		return provider.Balance{}, err
	}
	account, err := p.ownedAccount(accessToken, accountRef)
	if err != nil {
		return provider.Balance{}, err
	}
	return account.balance(), nil
}

func (p *Provider) ListTransactions(ctx context.Context, accessToken, accountRef string, from, to time.Time) ([]provider.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	account, err := p.ownedAccount(accessToken, accountRef)
	if err != nil {
		return nil, err
	}
	if p.transactionFault != nil {
		if err := p.transactionFault(accountRef); err != nil {
			return nil, err
		}
	}
	if to.Before(from) {
		return nil, fmt.Errorf("sandbox: window end %s before start %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	today := truncateDay(p.now())
	if to.After(today.Add(24*time.Hour - time.Nanosecond)) {
		to = today
	}
	var out []provider.Transaction
	for day := truncateDay(from); !day.After(to); day = day.AddDate(0, 0, 1) {
		for _, native := range account.transactionsOn(day, today) {
			mapped, err := native.canonical()
			if err != nil {
				return nil, err
			}
			out = append(out, mapped)
		}
	}
	return out, nil
}

func (p *Provider) Revoke(ctx context.Context, accessToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.subjectFromToken(accessPrefix, accessToken); err != nil {
		return err
	}
	p.mu.Lock()
	p.revoked[accessToken] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *Provider) issue(subject string) provider.Credential {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	credential := provider.Credential{
		AccessToken:        accessPrefix + "." + subject + "." + nonce,
		ProviderAccountRef: "item-" + subject,
	}
	if p.style == StyleRedirect {
		expires := p.now().Add(accessTTL).UTC()
		credential.ExpiresAt = &expires
		credential.RefreshToken = refreshPrefix + "." + subject + "." + nonce
	}
	return credential
}

func (p *Provider) subjectFromToken(prefix, token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != prefix || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("sandbox: malformed token: %w", provider.ErrInvalidCredential)
	}
	p.mu.Lock()
	_, revoked := p.revoked[token]
	p.mu.Unlock()
	if revoked {
		return "", fmt.Errorf("sandbox: token revoked: %w", provider.ErrInvalidCredential)
	}
	return parts[1], nil
}

func (p *Provider) ownedAccount(accessToken, accountRef string) (nativeAccount, error) {
	subject, err := p.subjectFromToken(accessPrefix, accessToken)
	if err != nil {
		return nativeAccount{}, err
	}
	for _, account := range nativeAccountsFor(subject) {
		if account.ID == accountRef {
			return account, nil
		}
	}
	return nativeAccount{}, fmt.Errorf("sandbox: account %q not visible to token: %w", accountRef, provider.ErrInvalidCredential)
}

func subjectFromCode(raw string) (string, error) {
	username, _, _ := strings.Cut(strings.TrimSpace(raw), ":")
	username = strings.ToLower(username)
	if username == "" || username == "deny" {
		return "", fmt.Errorf("sandbox: authorization rejected: %w", provider.ErrInvalidCredential)
	}
	for _, r := range username {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return "", fmt.Errorf("sandbox: malformed username %q: %w", username, provider.ErrInvalidCredential)
		}
	}
	return username, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
