package institutions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-multibank/core"
	"github.com/shopspring/decimal"
)

const OpenBankingCode = "openbanking"

// Balance types in order of preference.
var preferredBalanceTypes = []string{"InterimAvailable", "InterimBooked", "ClosingBooked", "Expected"}

// OpenBankingNormalizer reads the data.account document served by
// institutions following the Open Banking read API, where each account may
// embed its balances.
type OpenBankingNormalizer struct{}

type openBankingDocument struct {
	Data *struct {
		Account *[]json.RawMessage `json:"account"`
	} `json:"data"`
}

type openBankingBalance struct {
	Type   json.RawMessage `json:"type"`
	Amount struct {
		Amount   json.RawMessage `json:"amount"`
		Currency json.RawMessage `json:"currency"`
	} `json:"amount"`
}

func (OpenBankingNormalizer) Code() string { return OpenBankingCode }

func (OpenBankingNormalizer) Normalize(institution core.TargetInstitution, body []byte, defaultCurrency string) (core.NormalizeResult, error) {
	var document openBankingDocument
	if err := json.Unmarshal(body, &document); err != nil {
		return core.NormalizeResult{}, fmt.Errorf("institutions: decode accounts: %w", err)
	}
	if document.Data == nil || document.Data.Account == nil {
		return core.NormalizeResult{}, fmt.Errorf("institutions: response has no data.account field")
	}

	accounts := *document.Data.Account
	result := core.NormalizeResult{Accounts: make([]core.NormalizedAccount, 0, len(accounts))}
	for i, raw := range accounts {
		record, ok := decodeRecord(raw, i, &result.Warnings)
		if !ok {
			continue
		}
		accountID := record.text("accountId")
		record.identify(accountID)
		balance, balanceCurrency, ok := resolveBalance(record)
		if !ok {
			result.Warnings = append(result.Warnings, balanceWarning(accountID, i))
		}
		accountType := record.text("accountType")
		if accountType == "" {
			accountType = record.text("accountSubType")
		}
		result.Accounts = append(result.Accounts, core.NormalizedAccount{
			SourceInstitution: institution.Label(),
			InstitutionID:     institution.ID,
			InstitutionCode:   institution.Code,
			AccountID:         accountID,
			Balance:           balance,
			Currency:          currencyOr(firstNonEmpty(record.text("currency"), balanceCurrency), defaultCurrency),
			AccountType:       accountType,
			Nickname:          record.text("nickname"),
			Servicer:          record.passthrough("servicer"),
		})
	}
	return result, nil
}

// resolveBalance takes a flat balance.amount when present, otherwise the
// most preferred entry of balances. Entries that do not decode are ignored.
func resolveBalance(record accountRecord) (decimal.Decimal, string, bool) {
	if amount, ok := nestedAmount(record.raw("balance")); ok {
		return amount, "", true
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(record.raw("balances"), &entries); err != nil {
		return decimal.Zero, "", false
	}
	balances := make([]openBankingBalance, 0, len(entries))
	for _, entry := range entries {
		var balance openBankingBalance
		if err := json.Unmarshal(entry, &balance); err == nil {
			balances = append(balances, balance)
		}
	}
	if len(balances) == 0 {
		return decimal.Zero, "", false
	}
	chosen := balances[0]
	for _, preferred := range preferredBalanceTypes {
		found := false
		for _, balance := range balances {
			if strings.EqualFold(scalarString(balance.Type), preferred) {
				chosen = balance
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	amount, ok := parseAmount(chosen.Amount.Amount)
	return amount, scalarString(chosen.Amount.Currency), ok
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var _ core.AccountNormalizer = OpenBankingNormalizer{}
