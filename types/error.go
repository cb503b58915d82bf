package types

import "fmt"

// ErrorCode identifies a gateway error kind. Every kind maps to a fixed HTTP
// status and an OpenAI-style {type, code} pair via taxonomy.
type ErrorCode string

const (
	ErrMissingVirtualKey  ErrorCode = "missing_virtual_key"
	ErrInvalidVirtualKey  ErrorCode = "invalid_virtual_key"
	ErrGuardrailBlocked   ErrorCode = "guardrail_blocked"
	ErrRateLimitExceeded  ErrorCode = "rate_limit_exceeded"
	ErrInflightGlobal     ErrorCode = "inflight_limit_global"
	ErrInflightBackend    ErrorCode = "inflight_limit_backend"
	ErrInsufficientQuota  ErrorCode = "insufficient_quota"
	ErrNoBackendAvailable ErrorCode = "no_backend_available"
	ErrUpstreamError      ErrorCode = "upstream_error"
	ErrPayloadTooLarge    ErrorCode = "payload_too_large"
	ErrShimBufferExceeded ErrorCode = "shim_buffer_exceeded"
	ErrPricingNotConfig   ErrorCode = "pricing_not_configured"
	ErrStoreUnavailable   ErrorCode = "store_unavailable"
	ErrInternal           ErrorCode = "internal_error"
)

// openAIKind is the {type, code} pair written into the JSON error envelope.
// It is independent of ErrorCode's own string value: several ErrorCodes
// share an OpenAI type but surface distinct codes.
type openAIKind struct {
	status int
	typ    string
	code   string
}

// taxonomy mirrors the error table: kind -> (status, OpenAI type, OpenAI code).
// A zero status means "caller sets one explicitly" (ErrUpstreamError mirrors
// whatever the backend returned).
var taxonomy = map[ErrorCode]openAIKind{
	ErrMissingVirtualKey:  {401, "invalid_request_error", "invalid_api_key"},
	ErrInvalidVirtualKey:  {401, "invalid_request_error", "invalid_api_key"},
	ErrGuardrailBlocked:   {400, "invalid_request_error", "invalid_request_error"},
	ErrRateLimitExceeded:  {429, "rate_limit_exceeded", "rate_limit_exceeded"},
	ErrInflightGlobal:     {429, "rate_limit_exceeded", "inflight_limit"},
	ErrInflightBackend:    {429, "rate_limit_exceeded", "inflight_limit_backend"},
	ErrInsufficientQuota:  {402, "insufficient_quota", "insufficient_quota"},
	ErrNoBackendAvailable: {503, "api_error", "upstream_unavailable"},
	ErrUpstreamError:      {0, "api_error", "upstream_error"},
	ErrPayloadTooLarge:    {413, "invalid_request_error", "payload_too_large"},
	ErrShimBufferExceeded: {502, "api_error", "upstream_unavailable"},
	ErrPricingNotConfig:   {500, "api_error", "internal_error"},
	ErrStoreUnavailable:   {503, "api_error", "store_unavailable"},
	ErrInternal:           {500, "api_error", "internal_error"},
}

// Error is the gateway's single structured error type. It carries enough
// to both render the OpenAI-style JSON envelope and to let callers decide
// retry/circuit-breaker classification.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an Error, filling in the taxonomy's default HTTP status.
func NewError(code ErrorCode, message string) *Error {
	e := &Error{Code: code, Message: message}
	if k, ok := taxonomy[code]; ok {
		e.HTTPStatus = k.status
	}
	return e
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// Envelope is the wire shape of an error response: {"error": {...}}.
type Envelope struct {
	Error EnvelopeError `json:"error"`
}

type EnvelopeError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// ToEnvelope renders the OpenAI-style error body and the HTTP status to
// write it with. For ErrUpstreamError the caller-set HTTPStatus is used
// verbatim since that kind mirrors whatever the backend returned.
func (e *Error) ToEnvelope() (int, Envelope) {
	k, ok := taxonomy[e.Code]
	status := e.HTTPStatus
	typ := "api_error"
	code := string(e.Code)
	if ok {
		typ = k.typ
		code = k.code
		if status == 0 {
			status = k.status
		}
	}
	if status == 0 {
		status = 500
	}
	return status, Envelope{Error: EnvelopeError{
		Message:   e.Message,
		Type:      typ,
		Code:      code,
		RequestID: e.RequestID,
	}}
}

// IsRetryable reports whether err is a *Error marked retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the ErrorCode from err, or "" if err isn't a *Error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
