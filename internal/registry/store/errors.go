package store

import "fmt"

// InvalidPrefixError indicates a metadata prefix containing characters
// outside the URL-unreserved set.
type InvalidPrefixError struct {
	Prefix string
}

func (e *InvalidPrefixError) Error() string {
	return fmt.Sprintf("invalid metadata prefix: %q", e.Prefix)
}

// InvalidSetSpecError indicates a set spec that does not match the
// colon-separated spec syntax of the OAI-PMH schema.
type InvalidSetSpecError struct {
	Spec string
}

func (e *InvalidSetSpecError) Error() string {
	return fmt.Sprintf("invalid set spec: %q", e.Spec)
}

// UnknownFormatError indicates a record references a prefix with no Format row.
type UnknownFormatError struct {
	Prefix string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("non-existent metadata prefix: %q", e.Prefix)
}

// UnknownIdentifierError indicates a record references an identifier with no
// Item row.
type UnknownIdentifierError struct {
	Identifier string
}

func (e *UnknownIdentifierError) Error() string {
	return fmt.Sprintf("non-existent identifier: %q", e.Identifier)
}

// XMLInvalidError indicates a metadata payload failed the well-formedness,
// namespace or schema-location checks.
type XMLInvalidError struct {
	Reason string
}

func (e *XMLInvalidError) Error() string {
	return fmt.Sprintf("invalid record xml: %s", e.Reason)
}

// NotFoundError indicates a referenced row does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NegativeLimitError indicates a negative list limit.
type NegativeLimitError struct {
	Limit int
}

func (e *NegativeLimitError) Error() string {
	return fmt.Sprintf("negative limit: %d", e.Limit)
}
