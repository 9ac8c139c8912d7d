package sandbox

import (
	"fmt"
	"time"

	"banklink/internal/canonical"
	"banklink/internal/models"
	"banklink/internal/money"
	"banklink/internal/provider"
)

// Provider-native shapes. Amounts are unsigned cents with a DR/CR flag,
// account types and categories use the sandbox's own codes.

type nativeAccount struct {
	ID             string
	Name           string
	Type           string
	Currency       string
	BalanceCents   int64
	AvailableCents int64
}

type nativeTransaction struct {
	ID          string
	AmountCents int64
	Direction   string
	Code        string
	Memo        string
	Merchant    string
	Currency    string
	BookedOn    time.Time
	SettledOn   *time.Time
	Status      string
}

var accountTypes = canonical.AccountTypeMapper{
	"dda":  models.AccountChecking,
	"sav":  models.AccountSavings,
	"card": models.AccountCreditCard,
}

var categories = canonical.CategoryMapper{
	"INC_PAYROLL":       canonical.CategoryIncome,
	"FOOD_GROCERY":      canonical.CategoryGroceries,
	"FOOD_DINING":       canonical.CategoryDining,
	"TRAVEL_TRANSIT":    canonical.CategoryTransport,
	"BILL_UTILITY":      canonical.CategoryUtilities,
	"RETAIL":            canonical.CategoryShopping,
	"LEISURE_STREAMING": canonical.CategoryEntertainment,
	"HEALTH_PHARMACY":   canonical.CategoryHealth,
	"XFER":              canonical.CategoryTransfer,
	"BANK_FEE":          canonical.CategoryFees,
}

type template struct {
	cents    int64
	code     string
	memo     string
	merchant string
}

// One debit per day, rotating through the table by day number.
var checkingDebits = []template{
	{4210, "FOOD_GROCERY", "FRESH MARKET #112", "Fresh Market"},
	{1875, "FOOD_DINING", "LUIGIS TRATTORIA", "Luigi's Trattoria"},
	{275, "TRAVEL_TRANSIT", "METRO TRANSIT FARE", "Metro Transit"},
	{8640, "BILL_UTILITY", "CITY POWER AND LIGHT", "City Power & Light"},
	{3999, "RETAIL", "HARDWARE DEPOT 0042", "Hardware Depot"},
	{1250, "HEALTH_PHARMACY", "CORNER PHARMACY", "Corner Pharmacy"},
	{1599, "LEISURE_STREAMING", "STREAMFLIX MONTHLY", "StreamFlix"},
}

var cardDebits = []template{
	{6420, "RETAIL", "ONLINE MARKETPLACE", "Online Marketplace"},
	{2315, "FOOD_DINING", "NOODLE HOUSE", "Noodle House"},
	{5003, "TRAVEL_TRANSIT", "RIDESHARE TRIP", "Rideshare"},
	{899, "FOOD_GROCERY", "QUICK STOP GROCERY", "Quick Stop"},
	{12999, "LEISURE_STREAMING", "CONCERT TICKETS", ""},
}

var (
	payroll     = template{200000, "INC_PAYROLL", "ACME CORP PAYROLL", "Acme Corp"}
	cardPayment = template{50000, "XFER", "PAYMENT THANK YOU", ""}
	monthlyFee  = template{1200, "BANK_FEE", "MONTHLY MAINTENANCE FEE", ""}
)

func nativeAccountsFor(subject string) []nativeAccount {
	if subject == "empty" {
		return nil
	}
	return []nativeAccount{
		{
			ID:             subject + "-chk",
			Name:           "Everyday Checking",
			Type:           "DDA",
			Currency:       "usd",
			BalanceCents:   152033,
			AvailableCents: 149033,
		},
		{
			ID:             subject + "-cc",
			Name:           "Rewards Card",
			Type:           "CARD",
			Currency:       "usd",
			BalanceCents:   -64218,
			AvailableCents: 435782,
		},
	}
}

func (a nativeAccount) canonical() (provider.Account, error) {
	accountType, err := accountTypes.Map(a.Type)
	if err != nil {
		return provider.Account{}, err
	}
	currency, err := canonical.Currency(a.Currency)
	if err != nil {
		return provider.Account{}, err
	}
	balance := a.balance()
	return provider.Account{
		Ref:      a.ID,
		Name:     a.Name,
		Type:     accountType,
		Currency: currency,
		Balance:  &balance,
	}, nil
}

func (a nativeAccount) balance() provider.Balance {
	return provider.Balance{
		Current:   money.FromMinor(a.BalanceCents),
		Available: money.FromMinor(a.AvailableCents),
	}
}

// transactionsOn returns the transactions booked on day. Anything booked on
// today or yesterday is still pending.
func (a nativeAccount) transactionsOn(day, today time.Time) []nativeTransaction {
	dayNumber := day.Unix() / 86400
	var picks []template
	var directions []string
	if a.Type == "CARD" {
		picks = append(picks, cardDebits[rotate(dayNumber+3, len(cardDebits))])
		directions = append(directions, "DR")
		if rotate(dayNumber, 14) == 7 {
			picks = append(picks, cardPayment)
			directions = append(directions, "CR")
		}
	} else {
		picks = append(picks, checkingDebits[rotate(dayNumber, len(checkingDebits))])
		directions = append(directions, "DR")
		if rotate(dayNumber, 14) == 0 {
			picks = append(picks, payroll)
			directions = append(directions, "CR")
		}
		if day.Day() == 1 {
			picks = append(picks, monthlyFee)
			directions = append(directions, "DR")
		}
	}

	pending := !day.Before(today.AddDate(0, 0, -1))
	out := make([]nativeTransaction, 0, len(picks))
	for i, pick := range picks {
		txn := nativeTransaction{
			ID:          fmt.Sprintf("%s-%s-%d", a.ID, day.Format("20060102"), i),
			AmountCents: pick.cents,
			Direction:   directions[i],
			Code:        pick.code,
			Memo:        pick.memo,
			Merchant:    pick.merchant,
			Currency:    a.Currency,
			BookedOn:    day,
			Status:      "BOOKED",
		}
		if pending {
			txn.Status = "PENDING"
		} else {
			settled := day.AddDate(0, 0, 1)
			txn.SettledOn = &settled
		}
		out = append(out, txn)
	}
	return out
}

func (t nativeTransaction) canonical() (provider.Transaction, error) {
	direction, err := canonical.ParseDirection(t.Direction)
	if err != nil {
		return provider.Transaction{}, err
	}
	amount, kind, err := canonical.SignedAmount(money.FromMinor(t.AmountCents), direction)
	if err != nil {
		return provider.Transaction{}, err
	}
	currency, err := canonical.Currency(t.Currency)
	if err != nil {
		return provider.Transaction{}, err
	}
	return provider.Transaction{
		ID:          t.ID,
		Amount:      amount,
		Kind:        kind,
		Currency:    currency,
		Description: t.Memo,
		Merchant:    canonical.Merchant(t.Merchant),
		Category:    categories.Map(t.Code),
		Date:        t.BookedOn,
		PostedDate:  t.SettledOn,
		Pending:     t.Status == "PENDING",
	}, nil
}

func rotate(dayNumber int64, n int) int {
	return int(((dayNumber % int64(n)) + int64(n)) % int64(n))
}
