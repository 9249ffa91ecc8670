// Package institutions holds the per-institution account normalizers and
// the default catalog wiring them to institution codes.
package institutions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-multibank/core"
	"github.com/shopspring/decimal"
)

const StandardCode = "standard"

// StandardNormalizer reads the flat accounts document:
//
//	{"accounts":[{"account_id","balance":{"amount"},"currency","account_type","nickname","servicer"}]}
type StandardNormalizer struct{}

type standardDocument struct {
	Accounts *[]json.RawMessage `json:"accounts"`
}

func (StandardNormalizer) Code() string { return StandardCode }

func (StandardNormalizer) Normalize(institution core.TargetInstitution, body []byte, defaultCurrency string) (core.NormalizeResult, error) {
	var document standardDocument
	if err := json.Unmarshal(body, &document); err != nil {
		return core.NormalizeResult{}, fmt.Errorf("institutions: decode accounts: %w", err)
	}
	if document.Accounts == nil {
		return core.NormalizeResult{}, fmt.Errorf("institutions: response has no accounts field")
	}

	result := core.NormalizeResult{Accounts: make([]core.NormalizedAccount, 0, len(*document.Accounts))}
	for i, raw := range *document.Accounts {
		record, ok := decodeRecord(raw, i, &result.Warnings)
		if !ok {
			continue
		}
		accountID := record.text("account_id")
		record.identify(accountID)
		balance, ok := nestedAmount(record.raw("balance"))
		if !ok {
			result.Warnings = append(result.Warnings, balanceWarning(accountID, i))
		}
		result.Accounts = append(result.Accounts, core.NormalizedAccount{
			SourceInstitution: institution.Label(),
			InstitutionID:     institution.ID,
			InstitutionCode:   institution.Code,
			AccountID:         accountID,
			Balance:           balance,
			Currency:          currencyOr(record.text("currency"), defaultCurrency),
			AccountType:       record.text("account_type"),
			Nickname:          record.text("nickname"),
			Servicer:          record.passthrough("servicer"),
		})
	}
	return result, nil
}

// nestedAmount extracts balance.amount. Absent or unparsable amounts are
// reported as zero with ok=false.
func nestedAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Zero, false
	}
	var balance struct {
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(raw, &balance); err != nil {
		return decimal.Zero, false
	}
	return parseAmount(balance.Amount)
}

func parseAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	text := scalarString(raw)
	if text == "" {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

// scalarString renders a JSON string or number as text.
func scalarString(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}
	if strings.HasPrefix(text, `"`) {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return ""
		}
		return strings.TrimSpace(value)
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return ""
	}
	return text
}

func currencyOr(currency string, fallback string) string {
	if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" {
		return currency
	}
	return strings.ToUpper(strings.TrimSpace(fallback))
}

func balanceWarning(accountID string, index int) string {
	if accountID == "" {
		accountID = fmt.Sprintf("#%d", index)
	}
	return fmt.Sprintf("account %s: balance missing or malformed, defaulted to 0", accountID)
}

var _ core.AccountNormalizer = StandardNormalizer{}
