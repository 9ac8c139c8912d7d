package validator

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"banklink/internal/models"

	"github.com/google/uuid"
)

var (
	ErrInvalidProvider    = errors.New("invalid provider")
	ErrInvalidRedirectURI = errors.New("invalid redirect uri")
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidID          = errors.New("invalid id")
	ErrInvalidWindow      = errors.New("invalid window")
	ErrInvalidPage        = errors.New("invalid pagination")
)

const MaxPageSize = 200

var stateRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

func ValidateProviderKind(raw string) (models.ProviderKind, error) {
	kind := models.ProviderKind(strings.TrimSpace(raw))
	if !kind.Valid() {
		return "", ErrInvalidProvider
	}
	return kind, nil
}

// ValidateRedirectURI accepts absolute https URLs, plain http only for
// loopback hosts. When allowed is non-empty the URI must start with one of
// its prefixes.
func ValidateRedirectURI(raw string, allowed []string) error {
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || parsed.Fragment != "" {
		return ErrInvalidRedirectURI
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return ErrInvalidRedirectURI
		}
	default:
		return ErrInvalidRedirectURI
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(raw, prefix) {
			return nil
		}
	}
	return ErrInvalidRedirectURI
}

func ValidateState(state string) error {
	if !stateRegex.MatchString(state) {
		return ErrInvalidState
	}
	return nil
}

func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidID
	}
	return nil
}

// ValidateWindowDays accepts 0 (server default) through max.
func ValidateWindowDays(days, max int) error {
	if days < 0 || days > max {
		return ErrInvalidWindow
	}
	return nil
}

func ValidatePage(limit, offset int) error {
	if limit < 1 || limit > MaxPageSize || offset < 0 {
		return ErrInvalidPage
	}
	return nil
}
