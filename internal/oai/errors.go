package oai

import (
	"fmt"
	"strings"
)

// Error is an OAI-PMH protocol error, surfaced to the HTTP layer as an
// <error code="..."> element. Store faults are not Errors; they propagate as
// plain errors and become HTTP 500s.
type Error struct {
	// Code is the OAI-PMH error code attribute.
	Code string
	// Message is the human-readable error text. Characters illegal in XML
	// are stripped at construction.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	CodeBadArgument             = "badArgument"
	CodeBadResumptionToken      = "badResumptionToken"
	CodeBadVerb                 = "badVerb"
	CodeCannotDisseminateFormat = "cannotDisseminateFormat"
	CodeIDDoesNotExist          = "idDoesNotExist"
	CodeNoRecordsMatch          = "noRecordsMatch"
	CodeNoMetadataFormats       = "noMetadataFormats"
	CodeNoSetHierarchy          = "noSetHierarchy"
)

func newError(code, message string) *Error {
	return &Error{Code: code, Message: FilterIllegalChars(message)}
}

// ErrBadArgument reports illegal, missing or repeated request arguments.
func ErrBadArgument(format string, args ...any) *Error {
	return newError(CodeBadArgument, fmt.Sprintf(format, args...))
}

func ErrMissingVerb() *Error {
	return newError(CodeBadVerb, "Missing verb")
}

func ErrInvalidVerb() *Error {
	return newError(CodeBadVerb, "Invalid verb")
}

func ErrRepeatedVerb() *Error {
	return newError(CodeBadVerb, "Repeated verb")
}

func ErrInvalidResumptionToken() *Error {
	return newError(CodeBadResumptionToken, "Invalid resumption token")
}

func ErrExpiredResumptionToken() *Error {
	return newError(CodeBadResumptionToken, "Resumption token has expired.")
}

// ErrUnsupportedMetadataFormat reports a metadata prefix unknown to the
// repository.
func ErrUnsupportedMetadataFormat(prefix string) *Error {
	return newError(CodeCannotDisseminateFormat,
		fmt.Sprintf("Metadata format %q is not supported by this repository.", prefix))
}

// ErrUnavailableMetadataFormat reports a known prefix with no record for the
// requested item.
func ErrUnavailableMetadataFormat(prefix, identifier string) *Error {
	return newError(CodeCannotDisseminateFormat,
		fmt.Sprintf("Metadata format %q is not available for item %q.", prefix, identifier))
}

func ErrIDDoesNotExist(identifier string) *Error {
	return newError(CodeIDDoesNotExist,
		fmt.Sprintf("Identifier %q does not exist.", identifier))
}

func ErrNoRecordsMatch() *Error {
	return newError(CodeNoRecordsMatch, "No matching records found.")
}

func ErrNoMetadataFormats(identifier string) *Error {
	return newError(CodeNoMetadataFormats,
		fmt.Sprintf("No metadata formats available for item %q.", identifier))
}

func ErrNoSetHierarchy() *Error {
	return newError(CodeNoSetHierarchy, "This repository does not support sets.")
}

// IsExpiredToken reports whether err is the expired-resumption-token error.
func IsExpiredToken(err *Error) bool {
	return err != nil && err.Code == CodeBadResumptionToken &&
		strings.Contains(err.Message, "expired")
}

// FilterIllegalChars removes characters that may not appear in XML 1.0
// documents: U+0000–U+0008, U+000B–U+000C, U+000E–U+001F, the surrogate
// range, and U+FFFE–U+FFFF.
func FilterIllegalChars(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r <= 0x08,
			r == 0x0B, r == 0x0C,
			r >= 0x0E && r <= 0x1F,
			r >= 0xD800 && r <= 0xDFFF,
			r == 0xFFFE, r == 0xFFFF:
			return -1
		}
		return r
	}, s)
}
