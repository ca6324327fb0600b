package oai

import (
	"time"

	"github.com/chirino/oai-service/internal/model"
)

// IdentifyInfo holds the repository-level facts of an Identify response.
type IdentifyInfo struct {
	RepositoryName    string
	AdminEmails       []string
	EarliestDatestamp time.Time
	DeletedRecords    string
	Descriptions      []string
}

// Response is the verb-neutral result of dispatching one protocol request.
// Either Error or the payload field of the dispatched verb is populated.
type Response struct {
	// ResponseTime is taken before any store queries run.
	ResponseTime time.Time

	// Verb is the requested verb, empty when it was missing or repeated.
	Verb string

	// Attributes are the request arguments echoed back on the <request>
	// element, verb included. Nil on badVerb and badArgument responses,
	// which must not echo arguments.
	Attributes map[string]string

	Error *Error

	Identify *IdentifyInfo
	Formats  []model.Format
	Sets     []model.Set

	// Records carries the matched records: one for GetRecord, a page for
	// ListRecords and ListIdentifiers. For ListIdentifiers only the header
	// fields are rendered.
	Records []model.Record

	// Token is the resumption token to emit with a list response: nil for
	// none, empty string for the terminating token of a resumed list.
	Token *string
}
