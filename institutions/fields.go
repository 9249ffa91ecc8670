package institutions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// accountRecord is one account object decoded field by field, so drift in
// an optional field costs a warning rather than the whole document.
type accountRecord struct {
	fields   map[string]json.RawMessage
	label    string
	warnings *[]string
}

func decodeRecord(raw json.RawMessage, index int, warnings *[]string) (accountRecord, bool) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		*warnings = append(*warnings, fmt.Sprintf("account #%d: not an object, skipped", index))
		return accountRecord{}, false
	}
	return accountRecord{fields: fields, label: fmt.Sprintf("#%d", index), warnings: warnings}, true
}

// identify labels later warnings with the account id once it is known.
func (r *accountRecord) identify(accountID string) {
	if accountID != "" {
		r.label = accountID
	}
}

func (r accountRecord) raw(key string) json.RawMessage {
	return r.fields[key]
}

// text reads a string or number field. Objects and arrays are dropped with
// a warning.
func (r accountRecord) text(key string) string {
	raw := r.fields[key]
	value := scalarString(raw)
	if value == "" && composite(raw) {
		*r.warnings = append(*r.warnings, fmt.Sprintf("account %s: field %s malformed, ignored", r.label, key))
	}
	return value
}

// passthrough returns the field as the institution sent it, or an empty
// object when absent.
func (r accountRecord) passthrough(key string) any {
	raw := r.fields[key]
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return map[string]any{}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return map[string]any{}
	}
	return value
}

func composite(raw json.RawMessage) bool {
	text := strings.TrimSpace(string(raw))
	return strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")
}
