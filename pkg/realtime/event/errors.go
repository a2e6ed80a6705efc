package event

// Code is a machine-readable error code surfaced to clients inside an
// error envelope.
type Code string

const (
	CodeAuthFailed       Code = "AUTH_FAILED"
	CodeConnectionFailed Code = "CONNECTION_FAILED"
	CodeRateLimit        Code = "RATE_LIMIT"
	CodeInvalidData      Code = "INVALID_DATA"
	CodeInternalError    Code = "INTERNAL_ERROR"
)

// ErrorPayload is the payload of an outbound error envelope.
type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Error is a client-visible failure. It carries the code that is sent on
// the wire, so boundaries can convert it without inspecting messages.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Payload converts the error to its wire payload.
func (e *Error) Payload() ErrorPayload {
	return ErrorPayload{Code: e.Code, Message: e.Message}
}

func NewAuthError(message string) *Error {
	return &Error{Code: CodeAuthFailed, Message: message}
}

func NewRateLimitError(message string) *Error {
	return &Error{Code: CodeRateLimit, Message: message}
}

func NewInvalidDataError(message string) *Error {
	return &Error{Code: CodeInvalidData, Message: message}
}

func NewInternalError(message string) *Error {
	return &Error{Code: CodeInternalError, Message: message}
}

// IsClientError reports whether err is a client-visible error envelope.
func IsClientError(err error) bool {
	_, ok := err.(*Error)
	return ok
}

// EncodeError builds a complete error envelope frame.
func EncodeError(e *Error) ([]byte, error) {
	return Encode(KindError, e.Payload())
}
