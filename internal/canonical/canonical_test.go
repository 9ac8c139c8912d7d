package canonical

import (
	"errors"
	"testing"

	"banklink/internal/models"

	"github.com/shopspring/decimal"
)

func TestSignedAmount(t *testing.T) {
	debit, kind, err := SignedAmount(decimal.RequireFromString("42.10"), Outflow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !debit.Equal(decimal.RequireFromString("-42.10")) || kind != models.KindDebit {
		t.Fatalf("unexpected debit: %s %s", debit, kind)
	}
	credit, kind, err := SignedAmount(decimal.RequireFromString("-2000.00"), Inflow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !credit.Equal(decimal.RequireFromString("2000")) || kind != models.KindCredit {
		t.Fatalf("unexpected credit: %s %s", credit, kind)
	}
	if _, _, err := SignedAmount(decimal.NewFromInt(1), Direction(0)); !errors.Is(err, ErrUnknownDirection) {
		t.Fatalf("expected ErrUnknownDirection, got %v", err)
	}
}

func TestParseDirection(t *testing.T) {
	if d, err := ParseDirection("dr"); err != nil || d != Outflow {
		t.Fatalf("unexpected direction: %v %v", d, err)
	}
	if d, err := ParseDirection("CREDIT"); err != nil || d != Inflow {
		t.Fatalf("unexpected direction: %v %v", d, err)
	}
	if _, err := ParseDirection("sideways"); !errors.Is(err, ErrUnknownDirection) {
		t.Fatalf("expected ErrUnknownDirection, got %v", err)
	}
}

func TestAccountTypeMapper(t *testing.T) {
	mapper := AccountTypeMapper{"dda": models.AccountChecking, "card": models.AccountCreditCard}
	if got, err := mapper.Map(" DDA "); err != nil || got != models.AccountChecking {
		t.Fatalf("unexpected mapping: %v %v", got, err)
	}
	if _, err := mapper.Map("brokerage"); !errors.Is(err, ErrUnknownAccountType) {
		t.Fatalf("expected ErrUnknownAccountType, got %v", err)
	}
}

func TestCategoryMapperFallsBack(t *testing.T) {
	mapper := CategoryMapper{"FOOD_GROCERY": CategoryGroceries}
	if got := mapper.Map("food_grocery"); got != CategoryGroceries {
		t.Fatalf("unexpected category: %s", got)
	}
	if got := mapper.Map("MYSTERY"); got != CategoryUncategorized {
		t.Fatalf("unexpected fallback: %s", got)
	}
}

func TestCurrencyAndMerchant(t *testing.T) {
	if got, err := Currency("usd"); err != nil || got != "USD" {
		t.Fatalf("unexpected currency: %q %v", got, err)
	}
	if _, err := Currency("US1"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
	if Merchant("   ") != nil {
		t.Fatal("blank merchant must be nil")
	}
	if got := Merchant(" Corner Shop "); got == nil || *got != "Corner Shop" {
		t.Fatalf("unexpected merchant: %v", got)
	}
}
