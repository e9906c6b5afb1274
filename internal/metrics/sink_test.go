package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyStatus(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name       string
		statusCode int
		err        error
		want       string
	}{
		{"function answered", 200, nil, StatusClass2xx},
		{"empty answer", 204, nil, StatusClass2xx},
		{"handler not found", 404, nil, StatusClass4xx},
		{"runtime throttled", 429, nil, StatusClass4xx},
		{"handler threw", 500, nil, StatusClass5xx},
		{"runtime unavailable", 503, nil, StatusClass5xx},
		{"redirect", 302, nil, StatusClassOtherError},

		{"invocation deadline", 0, fmt.Errorf("send: %w", context.DeadlineExceeded), StatusClassTimeout},
		{"net timeout", 0, timeoutErr{}, StatusClassTimeout},
		{"connection refused", 0, fmt.Errorf("post: %w", refused), StatusClassConnectionError},
		{"unknown host", 0, &net.DNSError{Err: "no such host", Name: "runtime.invalid", IsNotFound: true}, StatusClassConnectionError},
		{"other error", 0, errors.New("marshal invocation"), StatusClassOtherError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.statusCode, tt.err); got != tt.want {
				t.Errorf("ClassifyStatus(%d, %v) = %q, want %q", tt.statusCode, tt.err, got, tt.want)
			}
		})
	}
}
