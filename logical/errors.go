package logical

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a broker failure. The taxonomy is deliberately small:
// a caller either sent something malformed, asked about something that is
// gone or was never there, presented a well-formed credential whose binding
// check failed, or tripped over a collaborator.
type Kind int

const (
	// KindNone is the zero Kind; it never appears on a constructed error.
	KindNone Kind = iota

	// KindValidation marks malformed input: bad shape, role-path/tenant
	// disagreement, credential shape not allowed at the call site.
	KindValidation

	// KindNotFoundOrExpired marks a record that is absent or expired.
	// The two cases are conflated on purpose so the API never leaks
	// which one applies.
	KindNotFoundOrExpired

	// KindUnauthorized marks a well-formed credential whose binding
	// check failed: IP mismatch, recomputed-token mismatch, wrong scope,
	// rotated role.
	KindUnauthorized

	// KindUpstream marks a collaborator failure (identity provider,
	// directory, store), wrapped with context and propagated.
	KindUpstream

	// KindInternal marks a broker-side invariant failure, such as nonce
	// collision retry exhaustion.
	KindInternal
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFoundOrExpired:
		return "not-found-or-expired"
	case KindUnauthorized:
		return "unauthorized"
	case KindUpstream:
		return "upstream"
	case KindInternal:
		return "internal"
	default:
		return "none"
	}
}

// HTTPStatus maps a Kind onto an HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFoundOrExpired:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindUpstream:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// CodedError is an error carrying a failure Kind. Backends return these so
// the transport layer can pick status codes without string matching.
type CodedError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// Validation creates a malformed-input error.
func Validation(message string) *CodedError {
	return &CodedError{Kind: KindValidation, Message: message}
}

// Validationf creates a formatted malformed-input error.
func Validationf(format string, args ...any) *CodedError {
	return &CodedError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundOrExpired creates an absent-or-expired error.
func NotFoundOrExpired(message string) *CodedError {
	return &CodedError{Kind: KindNotFoundOrExpired, Message: message}
}

// NotFoundOrExpiredf creates a formatted absent-or-expired error.
func NotFoundOrExpiredf(format string, args ...any) *CodedError {
	return &CodedError{Kind: KindNotFoundOrExpired, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized creates a binding-check failure error.
func Unauthorized(message string) *CodedError {
	return &CodedError{Kind: KindUnauthorized, Message: message}
}

// Unauthorizedf creates a formatted binding-check failure error.
func Unauthorizedf(format string, args ...any) *CodedError {
	return &CodedError{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a collaborator failure with context.
func Upstream(err error, message string) *CodedError {
	return &CodedError{Kind: KindUpstream, Message: message, Err: err}
}

// Upstreamf wraps a collaborator failure with formatted context.
func Upstreamf(err error, format string, args ...any) *CodedError {
	return &CodedError{Kind: KindUpstream, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal creates a broker-side invariant failure error.
func Internal(message string) *CodedError {
	return &CodedError{Kind: KindInternal, Message: message}
}

// Internalf creates a formatted broker-side invariant failure error.
func Internalf(format string, args ...any) *CodedError {
	return &CodedError{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error, walking wrapped chains.
// Errors that carry no Kind report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// GetErrorCode extracts the HTTP status code from an error.
func GetErrorCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return KindOf(err).HTTPStatus()
}
