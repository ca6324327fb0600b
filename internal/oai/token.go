package oai

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Resumption tokens are opaque to clients: a base64url-encoded JSON object
// carrying the verb, the original query parameters, the next offset and the
// issuance datestamp. Every value is a string or null so the token
// substitutes directly for request parameters on continuation.

// MintToken builds the resumption token for a partial list response.
// params are the effective request parameters (possibly themselves decoded
// from a presented token); offset is the identifier the next page starts at;
// issued is the response time of this request.
func MintToken(params map[string]*string, offset string, issued time.Time) string {
	date := FormatDatestamp(issued)
	payload := map[string]*string{
		"verb":           params["verb"],
		"metadataPrefix": params["metadataPrefix"],
		"offset":         &offset,
		"date":           &date,
		"from":           params["from"],
		"until":          params["until"],
		"set":            params["set"],
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// A map of string pointers always marshals.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// ParseToken decodes a presented resumption token. Each encoded value must
// be a JSON string or null; any other shape, or undecodable input, is an
// invalid token.
func ParseToken(raw string) (map[string]*string, *Error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, ErrInvalidResumptionToken()
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, ErrInvalidResumptionToken()
	}
	params := make(map[string]*string, len(generic))
	for k, v := range generic {
		if string(v) == "null" {
			params[k] = nil
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, ErrInvalidResumptionToken()
		}
		params[k] = &s
	}
	return params, nil
}
