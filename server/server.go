package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/yanolja/relay"
	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/gateway"
	"github.com/yanolja/relay/provider"
)

const (
	// Upper bound of a request body. Batches of long prompts fit comfortably.
	maxBodyBytes = 10 << 20

	maxBatchInputs = 256
)

type (
	BadRequestError   struct{ error }
	UnauthorizedError struct{ error }
	NotFoundError     struct{ error }
)

// RequestOptions is the wire form of relay.Options.
type RequestOptions struct {
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model,omitempty"`
	Strategy      string   `json:"strategy,omitempty"`
	CacheEnabled  *bool    `json:"cache_enabled,omitempty"`
	TimeoutMs     int      `json:"timeout_ms,omitempty"`
	MaxRetries    *int     `json:"max_retries,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
	TestMode      bool     `json:"test_mode,omitempty"`
	TestError     string   `json:"test_error,omitempty"`
}

type ProcessRequest struct {
	TaskType string         `json:"task_type"`
	Input    string         `json:"input"`
	Options  RequestOptions `json:"options"`
}

type BatchRequest struct {
	TaskType string         `json:"task_type"`
	Inputs   []string       `json:"inputs"`
	Options  RequestOptions `json:"options"`
}

type BatchResponse struct {
	Responses []*relay.Response `json:"responses"`
}

type Params struct {
	Gateway *gateway.Gateway

	// Bearer token callers must present. Empty together with JwtSecret
	// disables authentication.
	ApiKey string

	// HMAC secret of caller JWTs, accepted in addition to ApiKey.
	JwtSecret string

	// Served on MetricsPath when set.
	Metrics http.Handler

	// Defaults to /metrics.
	MetricsPath string

	Logger *zap.SugaredLogger
}

// Server exposes the gateway over HTTP.
type Server struct {
	gateway     *gateway.Gateway
	apiKey      string
	jwtSecret   []byte
	metrics     http.Handler
	metricsPath string
	logger      *zap.SugaredLogger
}

func New(params Params) (*Server, error) {
	if params.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	metricsPath := params.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Server{
		gateway:     params.Gateway,
		apiKey:      params.ApiKey,
		jwtSecret:   []byte(params.JwtSecret),
		metrics:     params.Metrics,
		metricsPath: metricsPath,
		logger:      params.Logger,
	}, nil
}

// Router returns the routes of the server. Everything under /v1 requires
// authentication when it is configured.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/v1/process", s.HandleAuthentication(s.HandleProcess)).Methods("POST")
	router.HandleFunc("/v1/batch", s.HandleAuthentication(s.HandleBatch)).Methods("POST")
	router.HandleFunc("/v1/providers", s.HandleAuthentication(s.HandleProviders)).Methods("GET")
	router.HandleFunc("/v1/providers/scores", s.HandleAuthentication(s.HandleScores)).Methods("GET")
	router.HandleFunc("/v1/providers/{name}/reset", s.HandleAuthentication(s.HandleReset)).Methods("POST")
	router.HandleFunc("/v1/models", s.HandleAuthentication(s.HandleModels)).Methods("GET")
	router.HandleFunc("/v1/health", s.HandleAuthentication(s.HandleHealth)).Methods("GET")

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	if s.metrics != nil {
		router.Handle(s.metricsPath, s.metrics).Methods("GET")
	}
	return router
}

func (s *Server) HandleAuthentication(handler http.HandlerFunc) http.HandlerFunc {
	return func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		if s.apiKey == "" && len(s.jwtSecret) == 0 {
			handler(httpResponse, httpRequest)
			return
		}

		headerSplit := strings.Split(httpRequest.Header.Get("Authorization"), " ")
		if len(headerSplit) != 2 || strings.ToLower(headerSplit[0]) != "bearer" || headerSplit[1] == "" {
			handleError(httpResponse, UnauthorizedError{errors.New("missing bearer token")})
			return
		}
		if err := s.authenticate(headerSplit[1]); err != nil {
			s.logger.Infow("Rejected request", "path", httpRequest.URL.Path, "error", err)
			handleError(httpResponse, UnauthorizedError{err})
			return
		}

		handler(httpResponse, httpRequest)
	}
}

func (s *Server) authenticate(token string) error {
	if s.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1 {
		return nil
	}
	if len(s.jwtSecret) == 0 {
		return errors.New("invalid api key")
	}

	parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid token: %v", err)
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (s *Server) HandleProcess(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	var request ProcessRequest
	if err := s.decode(httpResponse, httpRequest, &request); err != nil {
		handleError(httpResponse, err)
		return
	}
	opts, err := request.Options.toOptions()
	if err != nil {
		handleError(httpResponse, BadRequestError{err})
		return
	}

	taskType := parseTaskType(request.TaskType)
	s.logger.Infow("Received process request", "task_type", taskType, "provider", opts.Provider, "strategy", opts.Strategy)

	response := s.gateway.ProcessSingle(httpRequest.Context(), taskType, request.Input, opts)
	s.writeJSON(httpResponse, statusOf(response), response)
}

func (s *Server) HandleBatch(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	var request BatchRequest
	if err := s.decode(httpResponse, httpRequest, &request); err != nil {
		handleError(httpResponse, err)
		return
	}
	if len(request.Inputs) > maxBatchInputs {
		handleError(httpResponse, BadRequestError{fmt.Errorf("batch exceeds %d inputs", maxBatchInputs)})
		return
	}
	opts, err := request.Options.toOptions()
	if err != nil {
		handleError(httpResponse, BadRequestError{err})
		return
	}

	taskType := parseTaskType(request.TaskType)
	s.logger.Infow("Received batch request", "task_type", taskType, "size", len(request.Inputs))

	responses := s.gateway.ProcessBatch(httpRequest.Context(), taskType, request.Inputs, opts)
	s.writeJSON(httpResponse, http.StatusOK, BatchResponse{Responses: responses})
}

func (s *Server) HandleProviders(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	available := s.gateway.AvailableProviders()
	if available == nil {
		available = []string{}
	}
	s.writeJSON(httpResponse, http.StatusOK, map[string][]string{"available": available})
}

func (s *Server) HandleModels(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.writeJSON(httpResponse, http.StatusOK, s.gateway.AvailableModels(httpRequest.Context()))
}

func (s *Server) HandleHealth(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.writeJSON(httpResponse, http.StatusOK, s.gateway.ProvidersHealth())
}

func (s *Server) HandleScores(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	taskType := parseTaskType(httpRequest.URL.Query().Get("task"))
	s.writeJSON(httpResponse, http.StatusOK, s.gateway.ProvidersByScore(taskType))
}

func (s *Server) HandleReset(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	name := mux.Vars(httpRequest)["name"]
	if err := s.gateway.ResetHealth(name); err != nil {
		if errors.Is(err, provider.ErrProviderNotFound) {
			handleError(httpResponse, NotFoundError{err})
			return
		}
		handleError(httpResponse, err)
		return
	}
	s.logger.Infow("Reset provider health", "provider", name)
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(httpResponse http.ResponseWriter, httpRequest *http.Request, out any) error {
	defer httpRequest.Body.Close()

	bodyBytes, err := io.ReadAll(http.MaxBytesReader(httpResponse, httpRequest.Body, maxBodyBytes))
	if err != nil {
		s.logger.Warnw("Failed to read request body", "error", err)
		return BadRequestError{err}
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		s.logger.Warnw("Invalid request body", "error", err, "body_length", len(bodyBytes))
		return BadRequestError{err}
	}
	return nil
}

func (s *Server) writeJSON(httpResponse http.ResponseWriter, status int, body any) {
	httpResponse.Header().Set("Content-Type", "application/json")
	httpResponse.WriteHeader(status)
	if err := json.NewEncoder(httpResponse).Encode(body); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (o RequestOptions) toOptions() (relay.Options, error) {
	strategy, err := relay.ParseStrategy(o.Strategy)
	if err != nil {
		return relay.Options{}, err
	}
	if o.TimeoutMs < 0 {
		return relay.Options{}, errors.New("timeout_ms must not be negative")
	}

	var testError failure.Kind
	if o.TestError != "" {
		testError, err = failure.ParseKind(o.TestError)
		if err != nil {
			return relay.Options{}, err
		}
	}

	return relay.Options{
		Provider:      o.Provider,
		Model:         o.Model,
		Strategy:      strategy,
		CacheEnabled:  o.CacheEnabled,
		Timeout:       time.Duration(o.TimeoutMs) * time.Millisecond,
		MaxRetries:    o.MaxRetries,
		MaxTokens:     o.MaxTokens,
		Temperature:   o.Temperature,
		SystemPrompt:  o.SystemPrompt,
		StopSequences: o.StopSequences,
		TestMode:      o.TestMode,
		TestError:     testError,
	}, nil
}

func parseTaskType(s string) relay.TaskType {
	s = strings.TrimSpace(s)
	if s == "" {
		return relay.TaskDefault
	}
	return relay.TaskType(s)
}

// statusOf maps a processed response onto an HTTP status. The body always
// carries the full response.
func statusOf(response *relay.Response) int {
	if response.Success {
		return http.StatusOK
	}
	switch response.ErrorKind {
	case failure.InvalidRequest, failure.ContentFilter, failure.ContextLength, failure.ModelNotFound:
		return http.StatusBadRequest
	case failure.RateLimit:
		return http.StatusTooManyRequests
	case failure.Timeout:
		return http.StatusGatewayTimeout
	case failure.ProviderUnavailable, failure.ModelUnavailable, failure.AllProvidersFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func handleError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case BadRequestError:
		http.Error(w, "Invalid request", http.StatusBadRequest)
	case UnauthorizedError:
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case NotFoundError:
		http.Error(w, "Not found", http.StatusNotFound)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
