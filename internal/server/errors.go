package server

import (
	"fmt"

	"threadsync/internal/protocol"
)

// Rejection is an application level refusal of a request. The client is
// told and stays synced.
type Rejection struct {
	Code protocol.RejectCode
	// Echoed back to let the client match the failed allocation
	Nonce string
	// Overrides the code's default reason
	Reason string
}

func (r *Rejection) Error() string {
	return "rejected: " + r.reason()
}

func (r *Rejection) reason() string {
	if r.Reason != "" {
		return r.Reason
	}
	return r.Code.String()
}

func (r *Rejection) message() protocol.Reject {
	return protocol.Reject{
		Code:   r.Code,
		Reason: r.reason(),
		Nonce:  r.Nonce,
	}
}

func reject(code protocol.RejectCode) error {
	return &Rejection{Code: code}
}

// violation is a protocol error that closes the connection
func violation(format string, args ...interface{}) error {
	return &protocol.InvalidError{Reason: fmt.Sprintf(format, args...)}
}
