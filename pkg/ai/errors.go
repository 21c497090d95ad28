package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/ollama/ollama/api"
	"github.com/openai/openai-go/v3"

	"github.com/vladm3105/tradegent/pkg/common"
)

// statusCode extracts an HTTP status from provider errors, 0 if none.
func statusCode(err error) int {
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return oaErr.StatusCode
	}
	var olErr api.StatusError
	if errors.As(err, &olErr) {
		return olErr.StatusCode
	}
	var olErrPtr *api.StatusError
	if errors.As(err, &olErrPtr) {
		return olErrPtr.StatusCode
	}
	return 0
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, rate limits and server errors. Caller cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, common.ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, common.ErrConfig) || errors.Is(err, common.ErrMalformed) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code := statusCode(err); code != 0 {
		return transientStatus(code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// Classify wraps a provider error with the matching sentinel:
// common.ErrTransient for retryable failures and common.ErrConfig variants
// for authentication or missing model errors. Other errors pass through.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrTransient) || errors.Is(err, common.ErrConfig) || errors.Is(err, common.ErrMalformed) {
		return err
	}
	switch code := statusCode(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %v", provider, common.ErrMissingCredentials, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: model not found: %v", provider, common.ErrConfig, err)
	}
	if IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", provider, common.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", provider, err)
}
