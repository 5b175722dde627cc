package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is one member of the closed error taxonomy shared by all providers.
type Kind string

const (
	NetworkError        Kind = "network_error"
	ConnectionError     Kind = "connection_error"
	Timeout             Kind = "timeout"
	ServerError         Kind = "server_error"
	RateLimit           Kind = "rate_limit"
	AuthenticationError Kind = "authentication_error"
	InvalidRequest      Kind = "invalid_request"
	ModelNotFound       Kind = "model_not_found"
	ModelUnavailable    Kind = "model_unavailable"
	ContentFilter       Kind = "content_filter"
	ContextLength       Kind = "context_length"
	ProviderUnavailable Kind = "provider_unavailable"
	AllProvidersFailed  Kind = "all_providers_failed"
	Unknown             Kind = "unknown"
)

var kinds = map[Kind]struct{}{
	NetworkError: {}, ConnectionError: {}, Timeout: {}, ServerError: {},
	RateLimit: {}, AuthenticationError: {}, InvalidRequest: {}, ModelNotFound: {},
	ModelUnavailable: {}, ContentFilter: {}, ContextLength: {},
	ProviderUnavailable: {}, AllProvidersFailed: {}, Unknown: {},
}

// ParseKind returns the taxonomy member named by s.
func ParseKind(s string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := kinds[kind]; !ok {
		return "", fmt.Errorf("unknown error kind: %s", s)
	}
	return kind, nil
}

// Failure is the normalized shape of every adapter error. Adapters should
// return one directly; anything else is converted by Normalize.
type Failure struct {
	// HTTP status returned by the backend, or 0.
	StatusCode int

	// Name of the provider that failed. E.g., "openai"
	Provider string

	// Provider-specific error type. E.g., "rate_limit_error"
	Type string

	Message string

	// Network error code. E.g., "ECONNREFUSED"
	Code string
}

func (f *Failure) Error() string {
	var parts []string
	if f.Provider != "" {
		parts = append(parts, f.Provider)
	}
	if f.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status %d", f.StatusCode))
	}
	if f.Type != "" {
		parts = append(parts, f.Type)
	}
	if f.Code != "" {
		parts = append(parts, f.Code)
	}
	if len(parts) == 0 {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", strings.Join(parts, " "), f.Message)
}

// Normalize converts any error coming out of a provider call into a Failure
// tagged with the provider name.
func Normalize(provider string, err error) *Failure {
	if err == nil {
		return nil
	}

	var existing *Failure
	if errors.As(err, &existing) {
		normalized := *existing
		if normalized.Provider == "" {
			normalized.Provider = provider
		}
		return &normalized
	}

	normalized := &Failure{Provider: provider, Message: err.Error()}

	if errors.Is(err, context.DeadlineExceeded) {
		// The raw message mentions "context", which reads as a context-length
		// problem to the provider heuristics.
		normalized.Code = "ETIMEDOUT"
		normalized.Message = "request timed out"
		return normalized
	}

	if errors.Is(err, context.Canceled) {
		normalized.Code = "ECANCELED"
		normalized.Message = "request canceled"
		return normalized
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		normalized.Code = "ENOTFOUND"
		return normalized
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		normalized.Code = "ECONNREFUSED"
		return normalized
	case errors.Is(err, syscall.ECONNRESET):
		normalized.Code = "ECONNRESET"
		return normalized
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		normalized.Code = "ETIMEDOUT"
	}
	return normalized
}
