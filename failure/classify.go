package failure

import "strings"

var retryable = map[Kind]bool{
	NetworkError:        true,
	ConnectionError:     true,
	Timeout:             true,
	ServerError:         true,
	RateLimit:           true,
	ProviderUnavailable: true,
}

// Severe kinds are not worth retrying on any provider without operator
// intervention.
var severe = map[Kind]bool{
	AuthenticationError: true,
	ModelNotFound:       true,
	ModelUnavailable:    true,
	ContentFilter:       true,
	ContextLength:       true,
}

var userMessages = map[Kind]string{
	NetworkError:        "Network error, check your internet connection",
	ConnectionError:     "Could not connect to the server",
	Timeout:             "The request timed out before the server responded",
	ServerError:         "Server error, try again later",
	RateLimit:           "Rate limit exceeded, try again later",
	AuthenticationError: "Authentication failed, check your API key",
	InvalidRequest:      "Invalid request, check the input",
	ModelNotFound:       "Model not found, check the model name",
	ModelUnavailable:    "The model is not available right now",
	ContentFilter:       "The request was blocked by a content filter, check the input",
	ContextLength:       "The input exceeds the model's context length",
	ProviderUnavailable: "No provider is available",
	AllProvidersFailed:  "All providers failed",
}

func IsRetryable(kind Kind) bool {
	return retryable[kind]
}

func IsSevere(kind Kind) bool {
	return severe[kind]
}

// UserMessage returns a fixed human-readable description of kind.
func UserMessage(kind Kind) string {
	if message, ok := userMessages[kind]; ok {
		return message
	}
	return "Unknown error"
}

// Classify maps a failure onto the taxonomy. Provider-specific heuristics run
// first, then the HTTP status, then network codes and messages.
func Classify(f *Failure) Kind {
	if f == nil {
		return Unknown
	}

	message := strings.ToLower(f.Message)

	if kind := classifyByProvider(strings.ToLower(f.Provider), strings.ToLower(f.Type), message); kind != Unknown {
		return kind
	}
	if kind := classifyByStatus(f.StatusCode); kind != Unknown {
		return kind
	}
	return classifyByNetwork(strings.ToLower(f.Code), message)
}

func classifyByProvider(provider, errorType, message string) Kind {
	switch provider {
	case "openai":
		switch {
		case errorType == "rate_limit_error" || strings.Contains(message, "rate limit"):
			return RateLimit
		case errorType == "authentication_error" || strings.Contains(message, "api key"):
			return AuthenticationError
		case errorType == "invalid_request_error":
			switch {
			case strings.Contains(message, "model"):
				return ModelNotFound
			case strings.Contains(message, "content filter"):
				return ContentFilter
			case strings.Contains(message, "context length") || strings.Contains(message, "token"):
				return ContextLength
			}
			return InvalidRequest
		case errorType == "server_error":
			return ServerError
		}
	case "anthropic":
		switch {
		case containsAny(message, "rate limit", "quota"):
			return RateLimit
		case containsAny(message, "api key", "auth"):
			return AuthenticationError
		case strings.Contains(message, "model"):
			return ModelNotFound
		case containsAny(message, "content", "policy"):
			return ContentFilter
		case containsAny(message, "context", "token"):
			return ContextLength
		}
	case "studio":
		switch {
		case containsAny(errorType, "resource_exhausted") || containsAny(message, "quota", "rate limit"):
			return RateLimit
		case containsAny(errorType, "unauthenticated", "permission_denied") || strings.Contains(message, "api key"):
			return AuthenticationError
		case containsAny(message, "safety", "blocked"):
			return ContentFilter
		case containsAny(message, "token count", "too long"):
			return ContextLength
		}
	case "ollama":
		switch {
		case containsAny(message, "not found", "no model"):
			return ModelNotFound
		case containsAny(message, "server", "internal"):
			return ServerError
		}
	}
	return Unknown
}

func classifyByStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return AuthenticationError
	case status == 404:
		return ModelNotFound
	case status == 429:
		return RateLimit
	case status >= 400 && status < 500:
		return InvalidRequest
	case status >= 500:
		return ServerError
	}
	return Unknown
}

func classifyByNetwork(code, message string) Kind {
	switch {
	case code == "etimedout" || code == "timeout" || containsAny(message, "timeout", "timed out"):
		return Timeout
	case code == "econnrefused" || code == "econnreset" || code == "enotfound" ||
		containsAny(message, "connection", "network"):
		return ConnectionError
	case strings.HasPrefix(code, "e") || containsAny(message, "network", "internet"):
		return NetworkError
	}
	return Unknown
}

func containsAny(s string, substrings ...string) bool {
	for _, substring := range substrings {
		if strings.Contains(s, substring) {
			return true
		}
	}
	return false
}
