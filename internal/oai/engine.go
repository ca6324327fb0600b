// Package oai implements the OAI-PMH protocol semantics: argument checking,
// verb dispatch, selective harvesting windows and resumption tokens. The
// HTTP layer turns the returned Response into XML.
package oai

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"time"

	"github.com/chirino/oai-service/internal/config"
	"github.com/chirino/oai-service/internal/model"
	registrystore "github.com/chirino/oai-service/internal/registry/store"
)

// Verb names defined by the protocol.
const (
	VerbIdentify            = "Identify"
	VerbListMetadataFormats = "ListMetadataFormats"
	VerbListSets            = "ListSets"
	VerbListIdentifiers     = "ListIdentifiers"
	VerbListRecords         = "ListRecords"
	VerbGetRecord           = "GetRecord"
)

// Engine dispatches protocol requests against the metadata store.
type Engine struct {
	store registrystore.Store
	cfg   *config.Config

	// Validated repository description fragments for Identify.
	descriptions []string
	adminEmails  []string
}

// NewEngine builds an engine. descriptions are the pre-validated XML
// fragments from the repository-descriptions files.
func NewEngine(store registrystore.Store, cfg *config.Config, descriptions []string) (*Engine, error) {
	emails, err := cfg.ParseAdminEmails()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:        store,
		cfg:          cfg,
		descriptions: descriptions,
		adminEmails:  emails,
	}, nil
}

// Dispatch handles one protocol request. Protocol violations come back as
// Response.Error; only store faults are returned as a plain error.
func (e *Engine) Dispatch(ctx context.Context, params url.Values) (*Response, error) {
	// The response time is an upper bound on the data's modification time,
	// so it must be taken before any queries run.
	resp := &Response{ResponseTime: Now()}

	verbs := params["verb"]
	switch len(verbs) {
	case 0:
		resp.Error = ErrMissingVerb()
		return resp, nil
	case 1:
	default:
		resp.Error = ErrRepeatedVerb()
		return resp, nil
	}
	resp.Verb = verbs[0]

	var handler func(tx registrystore.Tx, params url.Values, resp *Response) error
	switch resp.Verb {
	case VerbIdentify:
		handler = e.identify
	case VerbListMetadataFormats:
		handler = e.listMetadataFormats
	case VerbListSets:
		handler = e.listSets
	case VerbListIdentifiers, VerbListRecords:
		handler = e.listItems
	case VerbGetRecord:
		handler = e.getRecord
	default:
		resp.Error = ErrInvalidVerb()
		return resp, nil
	}

	err := e.store.View(ctx, func(tx registrystore.Tx) error {
		return handler(tx, params, resp)
	})
	if err != nil {
		var oaiErr *Error
		if !errors.As(err, &oaiErr) {
			return nil, err
		}
		resp.Error = oaiErr
		if oaiErr.Code == CodeBadVerb || oaiErr.Code == CodeBadArgument {
			resp.Attributes = nil
		}
	}
	return resp, nil
}

func (e *Engine) identify(tx registrystore.Tx, params url.Values, resp *Response) error {
	if err := checkParams(params, nil, nil); err != nil {
		return err
	}
	resp.Attributes = requestAttributes(params)

	earliest, err := tx.EarliestDatestamp(e.cfg.IgnoreDeleted())
	if err != nil {
		return err
	}
	if earliest == nil {
		// The current time is a lower bound when there are no records.
		t := resp.ResponseTime
		earliest = &t
	}
	resp.Identify = &IdentifyInfo{
		RepositoryName:    e.cfg.RepositoryName,
		AdminEmails:       e.adminEmails,
		EarliestDatestamp: *earliest,
		DeletedRecords:    string(e.cfg.DeletedRecords),
		Descriptions:      e.descriptions,
	}
	return nil
}

func (e *Engine) listMetadataFormats(tx registrystore.Tx, params url.Values, resp *Response) error {
	if err := checkParams(params, nil, []string{"identifier"}); err != nil {
		return err
	}
	resp.Attributes = requestAttributes(params)

	ignoreDeleted := e.cfg.IgnoreDeleted()
	var identifier *string
	if params.Has("identifier") {
		id := params.Get("identifier")
		exists, err := tx.ItemExists(id, ignoreDeleted)
		if err != nil {
			return err
		}
		if !exists {
			return ErrIDDoesNotExist(id)
		}
		identifier = &id
	}
	formats, err := tx.ListFormats(identifier, ignoreDeleted)
	if err != nil {
		return err
	}
	if identifier != nil && len(formats) == 0 {
		return ErrNoMetadataFormats(*identifier)
	}
	resp.Formats = formats
	return nil
}

func (e *Engine) listSets(tx registrystore.Tx, params url.Values, resp *Response) error {
	if params.Has("resumptionToken") {
		// Set listings are never paged, so no token can be valid here.
		if err := checkParams(params, []string{"resumptionToken"}, nil); err != nil {
			return err
		}
		resp.Attributes = requestAttributes(params)
		return ErrInvalidResumptionToken()
	}
	if err := checkParams(params, nil, nil); err != nil {
		return err
	}
	resp.Attributes = requestAttributes(params)

	sets, err := tx.ListSets()
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return ErrNoSetHierarchy()
	}
	resp.Sets = sets
	return nil
}

func (e *Engine) getRecord(tx registrystore.Tx, params url.Values, resp *Response) error {
	if err := checkParams(params, []string{"identifier", "metadataPrefix"}, nil); err != nil {
		return err
	}
	resp.Attributes = requestAttributes(params)

	ignoreDeleted := e.cfg.IgnoreDeleted()
	identifier := params.Get("identifier")
	exists, err := tx.ItemExists(identifier, ignoreDeleted)
	if err != nil {
		return err
	}
	if !exists {
		return ErrIDDoesNotExist(identifier)
	}
	prefix := params.Get("metadataPrefix")
	exists, err = tx.FormatExists(prefix, ignoreDeleted)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnsupportedMetadataFormat(prefix)
	}

	records, err := tx.ListRecords(registrystore.RecordQuery{
		Identifier:    &identifier,
		Prefix:        &prefix,
		IgnoreDeleted: ignoreDeleted,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return ErrUnavailableMetadataFormat(prefix, identifier)
	}
	resp.Records = records[:1]
	return nil
}

func (e *Engine) listItems(tx registrystore.Tx, params url.Values, resp *Response) error {
	hasToken := params.Has("resumptionToken")

	var args map[string]*string
	if hasToken {
		// No other arguments are allowed with a resumption token.
		if err := checkParams(params, []string{"resumptionToken"}, nil); err != nil {
			return err
		}
		resp.Attributes = requestAttributes(params)

		token, terr := ParseToken(params.Get("resumptionToken"))
		if terr != nil {
			return terr
		}
		if v := token["verb"]; v == nil || *v != resp.Verb {
			return ErrInvalidResumptionToken()
		}
		// Expired tokens are reported as expired; every later failure in
		// the token's parameters is reported as an invalid token.
		if err := e.checkTokenDate(tx, token); err != nil {
			return err
		}
		args = token
	} else {
		if err := checkParams(params, []string{"metadataPrefix"}, []string{"from", "until", "set"}); err != nil {
			return err
		}
		resp.Attributes = requestAttributes(params)
		args = make(map[string]*string, len(params))
		for name := range params {
			v := params.Get(name)
			args[name] = &v
		}
	}

	records, nextOffset, err := e.pageRecords(tx, args, hasToken)
	if err != nil {
		var oaiErr *Error
		if hasToken && errors.As(err, &oaiErr) {
			// The offending parameters came out of the token.
			return ErrInvalidResumptionToken()
		}
		return err
	}
	resp.Records = records

	switch {
	case nextOffset != nil:
		token := MintToken(args, *nextOffset, resp.ResponseTime)
		resp.Token = &token
	case hasToken:
		// The last page of a resumed list carries an empty token.
		empty := ""
		resp.Token = &empty
	}
	return nil
}

// pageRecords validates the effective list arguments and fetches one page.
// The second return value is the offset of the next page, or nil on the
// last page.
func (e *Engine) pageRecords(tx registrystore.Tx, args map[string]*string, hasToken bool) ([]model.Record, *string, error) {
	if hasToken {
		if err := checkTokenArgs(args); err != nil {
			return nil, nil, err
		}
	}

	ignoreDeleted := e.cfg.IgnoreDeleted()
	prefix := stringOf(args["metadataPrefix"])
	exists, err := tx.FormatExists(prefix, ignoreDeleted)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, ErrUnsupportedMetadataFormat(prefix)
	}

	from, until, oaiErr := parseFromAndUntil(args["from"], args["until"])
	if oaiErr != nil {
		return nil, nil, oaiErr
	}

	if _, ok := args["set"]; ok {
		sets, err := tx.ListSets()
		if err != nil {
			return nil, nil, err
		}
		if len(sets) == 0 {
			return nil, nil, ErrNoSetHierarchy()
		}
	}

	// Fetch one extra record to learn whether a resumption token is needed.
	limit := e.cfg.ItemListLimit + 1
	records, err := tx.ListRecords(registrystore.RecordQuery{
		Prefix:        &prefix,
		From:          from,
		Until:         until,
		Set:           args["set"],
		IgnoreDeleted: ignoreDeleted,
		Offset:        args["offset"],
		Limit:         &limit,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, ErrNoRecordsMatch()
	}
	if len(records) == limit {
		next := records[limit-1].Identifier
		return records[:limit-1], &next, nil
	}
	return records, nil, nil
}

func (e *Engine) checkTokenDate(tx registrystore.Tx, token map[string]*string) error {
	d := token["date"]
	if d == nil {
		return ErrInvalidResumptionToken()
	}
	date, _, err := ParseDate(*d, StartOfDay)
	if err != nil {
		return ErrInvalidResumptionToken()
	}
	latest, err := tx.Datestamp()
	if err != nil {
		return err
	}
	// Any repository modification at or after issuance may have shifted the
	// pages, so the token can no longer be honored.
	if latest != nil && !latest.Before(date) {
		return ErrExpiredResumptionToken()
	}
	return nil
}

// checkParams validates the request arguments against the verb's required
// and allowed argument names. The verb argument itself is implied.
func checkParams(params url.Values, required, allowed []string) *Error {
	if !params.Has("verb") {
		return ErrMissingVerb()
	}
	if len(params["verb"]) > 1 {
		return ErrRepeatedVerb()
	}
	for name, values := range params {
		if name != "verb" && !slices.Contains(required, name) && !slices.Contains(allowed, name) {
			return ErrBadArgument("Illegal argument: %q", name)
		}
		if len(values) > 1 {
			return ErrBadArgument("Repeated argument: %q", name)
		}
	}
	for _, name := range required {
		if !params.Has(name) {
			return ErrBadArgument("Missing argument: %q", name)
		}
	}
	return nil
}

var tokenArgNames = []string{"metadataPrefix", "offset", "date", "from", "until", "set"}

// checkTokenArgs validates the key set decoded from a resumption token. The
// values may be null, but all keys must be present and no others.
func checkTokenArgs(args map[string]*string) *Error {
	for name := range args {
		if name != "verb" && !slices.Contains(tokenArgNames, name) {
			return ErrBadArgument("Illegal argument: %q", name)
		}
	}
	for _, name := range tokenArgNames {
		if _, ok := args[name]; !ok {
			return ErrBadArgument("Missing argument: %q", name)
		}
	}
	return nil
}

func parseFromAndUntil(fromArg, untilArg *string) (from, until *time.Time, oaiErr *Error) {
	var fromGranularity, untilGranularity Granularity
	if fromArg != nil {
		t, g, err := ParseDate(*fromArg, StartOfDay)
		if err != nil {
			return nil, nil, ErrBadArgument(`Illegal "from" datestamp`)
		}
		from, fromGranularity = &t, g
	}
	if untilArg != nil {
		t, g, err := ParseDate(*untilArg, EndOfDay)
		if err != nil {
			return nil, nil, ErrBadArgument(`Illegal "until" datestamp`)
		}
		until, untilGranularity = &t, g
	}
	if from != nil && until != nil {
		if fromGranularity != untilGranularity {
			return nil, nil, ErrBadArgument(`Datestamps "from" and "until" have different granularity`)
		}
		if from.After(*until) {
			return nil, nil, ErrBadArgument(`Datestamp "from" is greater than "until"`)
		}
	}
	return from, until, nil
}

func requestAttributes(params url.Values) map[string]string {
	attrs := make(map[string]string, len(params))
	for name := range params {
		attrs[name] = params.Get(name)
	}
	return attrs
}

func stringOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
