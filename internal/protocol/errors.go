package protocol

import "fmt"

// Application error codes carried inside error.v1 frames. These ride the
// data channel before any close; they are never used as WebSocket close
// codes.
const (
	CodeUnauthorized      = 4000
	CodeRoomNotFound      = 4001
	CodeInvalidVote       = 4002
	CodeForbidden         = 4003
	CodeValidation        = 4004
	CodeInvalidState      = 4005
	CodeRateLimitExceeded = 4006
	CodeRoomFull          = 4007
	CodePolicyViolation   = 4008
	CodeInternal          = 4999
)

// WireError is a client-visible failure. It implements error so actor
// commands can return it through ordinary error plumbing.
type WireError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Message)
}

// NewWireError builds a WireError with no details.
func NewWireError(code int, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

// WithDetails attaches structured detail fields.
func (e *WireError) WithDetails(details map[string]any) *WireError {
	e.Details = details
	return e
}

// ErrorPayload is the body of error.v1.
type ErrorPayload struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// EncodeError builds an error.v1 frame echoing the originating requestId
// when one was provided.
func EncodeError(requestID string, werr *WireError) []byte {
	data, err := Encode(TypeError, requestID, ErrorPayload{
		Code:    werr.Code,
		Message: werr.Message,
		Details: werr.Details,
	})
	if err != nil {
		// The error payload is all plain types; marshal cannot fail. Fall
		// back to a static frame rather than panicking.
		return []byte(`{"type":"error.v1","payload":{"code":4999,"message":"internal error"}}`)
	}
	return data
}
