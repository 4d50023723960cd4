package web

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SecurityHeaders defines the security headers to be applied to responses
type SecurityHeaders struct {
	// Content Security Policy; the status endpoints serve no active content.
	CSP string
	// X-Content-Type-Options - prevents MIME sniffing
	XContentTypeOptions string
	// Cache-Control - status is live data
	CacheControl string
}

// StatusSecurityHeaders returns headers for the JSON and metrics endpoints.
func StatusSecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XContentTypeOptions: "nosniff",
		CacheControl:        "no-cache, no-store, must-revalidate",
	}
}

// SecurityMiddleware wraps an http.Handler with security headers
func SecurityMiddleware(headers *SecurityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers.Apply(w)
			next.ServeHTTP(w, r)
		})
	}
}

// Apply applies the security headers directly to a ResponseWriter
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	if sh.CSP != "" {
		w.Header().Set("Content-Security-Policy", sh.CSP)
	}
	if sh.XContentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", sh.XContentTypeOptions)
	}
	if sh.CacheControl != "" {
		w.Header().Set("Cache-Control", sh.CacheControl)
	}
}

// InputValidation rejects requests outside the small status surface.
type InputValidation struct {
	MaxPathLength   int
	MaxQueryLength  int
	MaxHeaderLength int
	// AllowedQueryParams whitelist of allowed query parameter names
	AllowedQueryParams map[string]bool
	PathPatterns       []*regexp.Regexp
	AllowedMethods     map[string]bool
}

// StatusInputValidation returns the rules for the status server.
func StatusInputValidation() *InputValidation {
	return &InputValidation{
		MaxPathLength:   256,
		MaxQueryLength:  256,
		MaxHeaderLength: 4096,
		AllowedQueryParams: map[string]bool{
			"pretty": true,
		},
		PathPatterns: []*regexp.Regexp{
			regexp.MustCompile(`^/health$`),
			regexp.MustCompile(`^/relays$`),
			regexp.MustCompile(`^/stats$`),
			regexp.MustCompile(`^/metrics$`),
		},
		AllowedMethods: map[string]bool{
			http.MethodGet:  true,
			http.MethodHead: true,
		},
	}
}

// ValidationError represents an input validation error
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Status  int    `json:"-"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateRequest validates an HTTP request against the input validation rules
func (iv *InputValidation) ValidateRequest(r *http.Request) *ValidationError {
	if len(r.URL.Path) > iv.MaxPathLength {
		return &ValidationError{Type: "path_length", Message: "Request path too long", Field: "url_path", Status: http.StatusBadRequest}
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return &ValidationError{Type: "query_length", Message: "Query string too long", Field: "query_string", Status: http.StatusBadRequest}
	}

	pathValid := false
	for _, pattern := range iv.PathPatterns {
		if pattern.MatchString(r.URL.Path) {
			pathValid = true
			break
		}
	}
	if !pathValid {
		return &ValidationError{Type: "invalid_path", Message: "Not found", Field: "url_path", Status: http.StatusNotFound}
	}

	if len(iv.AllowedMethods) > 0 && !iv.AllowedMethods[r.Method] {
		return &ValidationError{Type: "invalid_method", Message: "Method not allowed", Field: "method", Status: http.StatusMethodNotAllowed}
	}

	if len(iv.AllowedQueryParams) > 0 {
		for param := range r.URL.Query() {
			if !iv.AllowedQueryParams[param] {
				return &ValidationError{Type: "invalid_query_param", Message: "Invalid query parameter", Field: param, Status: http.StatusBadRequest}
			}
		}
	}

	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > iv.MaxHeaderLength || strings.ContainsAny(value, "\r\n") {
				return &ValidationError{Type: "header_value", Message: "Invalid header value", Field: name, Status: http.StatusBadRequest}
			}
		}
	}
	return nil
}

// ValidationMiddleware wraps an http.Handler with input validation
func ValidationMiddleware(validation *InputValidation, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verr := validation.ValidateRequest(r); verr != nil {
				log.Debug("Input validation failed",
					zap.String("type", verr.Type),
					zap.String("field", verr.Field),
					zap.String("client_ip", r.RemoteAddr),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, verr.Message, verr.Status)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// AccessLogMiddleware logs every request at debug level.
func AccessLogMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// Chain applies middlewares so that the first one listed runs first.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
