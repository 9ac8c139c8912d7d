// Package canonical holds the shared mapping helpers every provider
// integration uses to turn provider-native account and transaction shapes
// into the canonical model. Orchestration code never calls these; it only
// ever sees already-canonical values.
package canonical

import (
	"errors"
	"fmt"
	"strings"

	"banklink/internal/models"
	"banklink/internal/money"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAccountType = errors.New("unknown account type")
	ErrUnknownDirection   = errors.New("unknown transaction direction")
	ErrInvalidCurrency    = errors.New("invalid currency code")
)

// Canonical category taxonomy.
const (
	CategoryIncome        = "income"
	CategoryGroceries     = "groceries"
	CategoryDining        = "dining"
	CategoryTransport     = "transport"
	CategoryUtilities     = "utilities"
	CategoryShopping      = "shopping"
	CategoryEntertainment = "entertainment"
	CategoryHealth        = "health"
	CategoryTransfer      = "transfer"
	CategoryFees          = "fees"
	CategoryUncategorized = "uncategorized"
)

type Direction int

const (
	Outflow Direction = iota + 1
	Inflow
)

// ParseDirection maps the usual provider spellings of money direction.
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DR", "DEBIT", "OUT", "OUTFLOW", "WITHDRAWAL":
		return Outflow, nil
	case "CR", "CREDIT", "IN", "INFLOW", "DEPOSIT":
		return Inflow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, raw)
	}
}

// SignedAmount applies the canonical sign convention: debits negative,
// credits positive. The sign of magnitude is ignored.
func SignedAmount(magnitude decimal.Decimal, direction Direction) (decimal.Decimal, models.TransactionKind, error) {
	switch direction {
	case Outflow:
		return money.Debit(magnitude), models.KindDebit, nil
	case Inflow:
		return money.Credit(magnitude), models.KindCredit, nil
	default:
		return decimal.Zero, "", ErrUnknownDirection
	}
}

// AccountTypeMapper maps provider account type strings (case-insensitive) to
// the canonical taxonomy.
type AccountTypeMapper map[string]models.AccountType

func (m AccountTypeMapper) Map(raw string) (models.AccountType, error) {
	if mapped, ok := m[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return mapped, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAccountType, raw)
}

// CategoryMapper maps provider category codes to canonical categories.
// Unmapped codes fall back to CategoryUncategorized.
type CategoryMapper map[string]string

func (m CategoryMapper) Map(code string) string {
	if mapped, ok := m[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return mapped
	}
	return CategoryUncategorized
}

func Currency(code string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if len(normalized) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range normalized {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return normalized, nil
}

// Merchant returns nil for blank names so the column stays NULL.
func Merchant(name string) *string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
