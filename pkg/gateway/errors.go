package gateway

import "errors"

var (
	// ErrTimeout marks connect or RPC windows that elapsed without a response
	ErrTimeout = errors.New("gateway timeout")
	// ErrClosed marks a socket that closed before the call settled
	ErrClosed = errors.New("gateway connection closed")
)

// RPCError is a structured rejection sent by the gateway, either for the
// connect request or for the call itself. Error returns the server message
// unchanged so it can be shown to users as-is.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return e.Message
}

type callError struct {
	msg  string
	kind error
}

func (e *callError) Error() string { return e.msg }
func (e *callError) Unwrap() error { return e.kind }
