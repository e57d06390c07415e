package rpc

import "fmt"

// Error is the structured protocol error carried in a response payload.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Protocol error codes, matching the reference sign protocol.
const (
	CodeInvalidMethod           int64 = 1001
	CodeInvalidEvent            int64 = 1002
	CodeInvalidUpdateRequest    int64 = 1003
	CodeInvalidExtendRequest    int64 = 1004
	CodeInvalidSettleRequest    int64 = 1005
	CodeUnauthorizedMethod      int64 = 3001
	CodeUnauthorizedEvent       int64 = 3002
	CodeUserRejected            int64 = 5000
	CodeUnsupportedChains       int64 = 5100
	CodeUnsupportedMethods      int64 = 5101
	CodeUnsupportedEvents       int64 = 5102
	CodeUnsupportedAccounts     int64 = 5103
	CodeUnsupportedNamespaceKey int64 = 5104
	CodeUserDisconnected        int64 = 6000
	CodeNoSessionForTopic       int64 = 7001
	CodeSessionRequestExpired   int64 = 8000
)

func NewError(code int64, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorFrom converts any error into a protocol error. A *Error passes
// through unchanged; everything else maps to the generic code.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{Code: CodeInvalidMethod, Message: err.Error()}
}
