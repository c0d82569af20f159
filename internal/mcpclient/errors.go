package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel errors for the connection layer.
var (
	// ErrConnectionClosed reports a session whose transport died; all
	// outstanding requests on a closed stdio child fail with it.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout reports a call that exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrNotFound reports an unknown tool or resource.
	ErrNotFound = errors.New("not found")
)

// ProtocolError reports a malformed or unexpected MCP exchange.
type ProtocolError struct {
	Op    string
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp protocol error during %s: %v", e.Op, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ToolExecutionError reports a structured negative result from the remote
// server (isError: true). It is a result, not a transport failure, and is
// never retried.
type ToolExecutionError struct {
	Tool    string
	Message string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s reported an error: %s", e.Tool, e.Message)
}

// classifyErr folds transport errors into the connection layer's taxonomy.
func classifyErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe),
		strings.Contains(err.Error(), "broken pipe"),
		strings.Contains(err.Error(), "process already finished"),
		strings.Contains(err.Error(), "file already closed"):
		return fmt.Errorf("%w: %s", ErrConnectionClosed, op)
	default:
		return &ProtocolError{Op: op, Cause: err}
	}
}
