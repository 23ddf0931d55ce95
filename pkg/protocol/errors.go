package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks across packages.
var (
	ErrParse              = errors.New("plan parse error")
	ErrValidation         = errors.New("plan validation error")
	ErrUnsupportedVersion = errors.New("unsupported protocol_version")
	ErrTemplate           = errors.New("template resolution error")
)

// ParseError reports malformed plan input. RawExcerpt holds up to the
// first 500 bytes of the offending payload for correction prompts.
type ParseError struct {
	Reason     string
	RawExcerpt string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

func newParseError(reason string, raw []byte) *ParseError {
	excerpt := string(raw)
	if len(excerpt) > 500 {
		excerpt = excerpt[:500]
	}
	return &ParseError{Reason: reason, RawExcerpt: excerpt}
}

// ValidationError reports a structural or semantic violation in an
// otherwise well-formed plan.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation error: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newFieldError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// TemplateError reports a failed {{scope.ref.field}} resolution.
type TemplateError struct {
	Expression string
	Reason     string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %s", e.Expression, e.Reason)
}

func (e *TemplateError) Unwrap() error { return ErrTemplate }
