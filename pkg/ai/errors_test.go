package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/ollama/ollama/api"

	"github.com/vladm3105/tradegent/pkg/common"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), true},
		{"rate limited", api.StatusError{StatusCode: 429, Status: "429 Too Many Requests"}, true},
		{"server error", api.StatusError{StatusCode: 503}, true},
		{"bad request", api.StatusError{StatusCode: 400}, false},
		{"wrapped sentinel", fmt.Errorf("x: %w", common.ErrTransient), true},
		{"config", common.ErrDimensionMismatch, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if err := Classify("ollama", api.StatusError{StatusCode: 401}); !errors.Is(err, common.ErrMissingCredentials) {
		t.Fatalf("401 should be missing credentials, got %v", err)
	}
	if err := Classify("ollama", api.StatusError{StatusCode: 404}); !errors.Is(err, common.ErrConfig) {
		t.Fatalf("404 should be a configuration error, got %v", err)
	}
	err := Classify("ollama", api.StatusError{StatusCode: 502})
	if !errors.Is(err, common.ErrTransient) {
		t.Fatalf("502 should be transient, got %v", err)
	}
	var se api.StatusError
	if !errors.As(err, &se) || se.StatusCode != 502 {
		t.Fatalf("classified error should keep the provider error, got %v", err)
	}
	if Classify("ollama", nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestMetricsRecorder(t *testing.T) {
	var r MetricsRecorder
	r.Record(ModelMetrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, DurationMs: 500})
	r.Record(ModelMetrics{InputTokens: 5, TotalTokens: 5, DurationMs: 500})
	m := r.GetMetrics()
	if m.TotalTokens != 20 || m.Requests != 2 || m.TokenPerSecond != 20 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	r.ResetMetrics()
	if r.GetMetrics() != (ModelMetrics{}) {
		t.Fatal("expected reset metrics")
	}
}
