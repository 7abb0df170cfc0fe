package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
)

// Kind classifies a failed call for the retry layer.
type Kind int

const (
	// Permanent failures are not retried.
	Permanent Kind = iota
	// Transient failures (rate limits, timeouts, resets, unavailable data)
	// are retried with backoff.
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// ErrTransactionNotFound is returned when the node does not (yet) have a
// transaction it listed. Lagging replicas produce this, so it is transient.
var ErrTransactionNotFound = errors.New("transaction not found")

// Error is returned by every Client call that fails.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a client error worth retrying.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == Transient
	}
	return false
}

// Solana node error codes that indicate data not yet available or an
// unhealthy node.
var transientRPCCodes = map[int]bool{
	-32004: true, // block not available
	-32005: true, // node unhealthy
	-32014: true, // block status not yet available
	-32016: true, // minimum context slot not reached
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return Permanent
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return Transient
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return Transient
		}
		return Permanent
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if transientRPCCodes[rpcErr.ErrorCode()] {
			return Transient
		}
		return Permanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient
	}
	return Permanent
}
