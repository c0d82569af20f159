package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil passes through", nil, nil},
		{"deadline becomes timeout", context.DeadlineExceeded, ErrTimeout},
		{"eof becomes closed", io.EOF, ErrConnectionClosed},
		{"closed pipe becomes closed", io.ErrClosedPipe, ErrConnectionClosed},
		{"broken pipe becomes closed", errors.New("write |1: broken pipe"), ErrConnectionClosed},
		{"dead child becomes closed", errors.New("process already finished"), ErrConnectionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyErr("tools/list", tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassifyErr_WrapsProtocolErrors(t *testing.T) {
	cause := errors.New("unexpected token")
	got := classifyErr("initialize", cause)

	var protoErr *ProtocolError
	assert.ErrorAs(t, got, &protoErr)
	assert.Equal(t, "initialize", protoErr.Op)
	assert.ErrorIs(t, got, cause)
}

func TestClassifyErr_PreservesCancellation(t *testing.T) {
	got := classifyErr("tools/call", context.Canceled)
	assert.ErrorIs(t, got, context.Canceled)
}

func TestToolExecutionError_Message(t *testing.T) {
	err := &ToolExecutionError{Tool: "say_hello", Message: "no greeting available"}
	assert.Contains(t, err.Error(), "say_hello")
	assert.Contains(t, err.Error(), "no greeting available")
}

func TestTimeoutWrapping(t *testing.T) {
	wrapped := fmt.Errorf("%w: tools/list", ErrTimeout)
	assert.ErrorIs(t, wrapped, ErrTimeout)
}
