// Package extacct talks to the external accounting service. The service's
// response envelopes vary between deployments, so every decode goes through
// an ordered list of extraction strategies; the first one that yields a value
// wins.
package extacct

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Entry is one accounting entry as reported by the external listing endpoint.
type Entry struct {
	ID          int64           `json:"id"`
	Description string          `json:"description"`
	AccountID   int64           `json:"accountId"`
	Movement    string          `json:"movementType"`
	Amount      decimal.Decimal `json:"amount"`
	EntryDate   string          `json:"entryDate"`
	AuxiliaryID int64           `json:"auxiliaryId"`
}

type tokenExtractor func(body []byte) (string, bool)

// tokenExtractors probes the documented login response shapes in tolerance
// order: top-level token, nested data.token, bare string, isOk envelope.
var tokenExtractors = []tokenExtractor{
	func(body []byte) (string, bool) {
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Token != "" {
			return payload.Token, true
		}
		return "", false
	},
	func(body []byte) (string, bool) {
		var payload struct {
			Data struct {
				Token string `json:"token"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Data.Token != "" {
			return payload.Data.Token, true
		}
		return "", false
	},
	func(body []byte) (string, bool) {
		var raw string
		if err := json.Unmarshal(body, &raw); err == nil && raw != "" {
			return raw, true
		}
		// Some deployments return the raw JWT without JSON quoting.
		trimmed := strings.TrimSpace(string(body))
		if strings.HasPrefix(trimmed, "eyJ") {
			return trimmed, true
		}
		return "", false
	},
	func(body []byte) (string, bool) {
		var payload struct {
			IsOk bool `json:"isOk"`
			Data struct {
				Token string `json:"token"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.IsOk && payload.Data.Token != "" {
			return payload.Data.Token, true
		}
		return "", false
	},
}

// ExtractToken pulls a bearer token out of any known login response shape.
func ExtractToken(body []byte) (string, bool) {
	for _, extract := range tokenExtractors {
		if token, ok := extract(body); ok {
			return token, true
		}
	}
	return "", false
}

type idExtractor func(body []byte) (int64, bool)

var idExtractors = []idExtractor{
	func(body []byte) (int64, bool) {
		var payload struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.ID != 0 {
			return payload.ID, true
		}
		return 0, false
	},
	func(body []byte) (int64, bool) {
		var payload struct {
			Data struct {
				ID int64 `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Data.ID != 0 {
			return payload.Data.ID, true
		}
		return 0, false
	},
	func(body []byte) (int64, bool) {
		var payload struct {
			IsOk bool `json:"isOk"`
			Data []struct {
				ID int64 `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && len(payload.Data) > 0 && payload.Data[0].ID != 0 {
			return payload.Data[0].ID, true
		}
		return 0, false
	},
}

// ExtractEntryID pulls the remote entry id out of any known shape of a
// successful create response.
func ExtractEntryID(body []byte) (int64, bool) {
	for _, extract := range idExtractors {
		if id, ok := extract(body); ok {
			return id, true
		}
	}
	return 0, false
}

type listExtractor func(body []byte) ([]Entry, bool)

var listExtractors = []listExtractor{
	func(body []byte) ([]Entry, bool) {
		var entries []Entry
		if err := json.Unmarshal(body, &entries); err == nil {
			return entries, true
		}
		return nil, false
	},
	func(body []byte) ([]Entry, bool) {
		var payload struct {
			Data []Entry `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Data != nil {
			return payload.Data, true
		}
		return nil, false
	},
	func(body []byte) ([]Entry, bool) {
		var payload struct {
			Entries []Entry `json:"entries"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Entries != nil {
			return payload.Entries, true
		}
		return nil, false
	},
}

// ExtractEntries decodes a listing response. A bare array, {data:[...]},
// {isOk,data:[...]} and {entries:[...]} are all accepted; the isOk envelope
// is covered by the data extractor since the wrapper adds no fields we read.
func ExtractEntries(body []byte) ([]Entry, bool) {
	for _, extract := range listExtractors {
		if entries, ok := extract(body); ok {
			return entries, true
		}
	}
	return nil, false
}
