package flagkit

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"regexp"
	"strings"
)

var (
	// stackTracePattern matches common stack trace formats from Go panics and error libraries
	stackTracePattern = regexp.MustCompile(`(?m)^\s*at\s+.*$|^\s*goroutine\s+\d+.*$|^\s*\S+\.go:\d+.*$`)

	// filePathPattern matches absolute file paths (Unix and Windows) with line numbers
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+\.go:\d+)|([A-Z]:\\[a-zA-Z0-9_\-\\./]+\.go:\d+)`)
)

// sanitizeConfig configures the sanitization middleware.
type sanitizeConfig struct {
	// stripStackTraces removes stack trace lines from error responses (default: true)
	stripStackTraces bool

	// stripFilePaths removes file paths and line numbers from error responses (default: true)
	stripFilePaths bool

	// replacementMsg is shown when all content is stripped (default: "Internal Server Error")
	replacementMsg string
}

type sanitizeWriter struct {
	http.ResponseWriter
	config       sanitizeConfig
	buf          *bytes.Buffer
	statusCode   int
	wroteHeader  bool
	shouldBuffer bool
}

func (sw *sanitizeWriter) WriteHeader(code int) {
	if sw.wroteHeader {
		return
	}
	sw.statusCode = code
	sw.wroteHeader = true
	sw.shouldBuffer = code >= 400
	if !sw.shouldBuffer {
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *sanitizeWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}

	if !sw.shouldBuffer {
		return sw.ResponseWriter.Write(b)
	}

	return sw.buf.Write(b)
}

func (sw *sanitizeWriter) Flush() {
	if !sw.shouldBuffer {
		if f, ok := sw.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
		return
	}

	body := sw.buf.String()

	if sw.config.stripStackTraces {
		body = stackTracePattern.ReplaceAllString(body, "")
	}

	if sw.config.stripFilePaths {
		body = filePathPattern.ReplaceAllString(body, sw.config.replacementMsg)
	}

	body = strings.TrimSpace(body)
	if body == "" && sw.config.replacementMsg != "" {
		body = sw.config.replacementMsg
	}

	sw.ResponseWriter.WriteHeader(sw.statusCode)
	sw.ResponseWriter.Write([]byte(body))
}

func (sw *sanitizeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return sw.ResponseWriter.(http.Hijacker).Hijack()
}

// Sanitize returns middleware that sanitizes error responses by removing sensitive
// information. Only error responses (4xx/5xx status codes) are processed; success
// responses pass through unchanged for performance. The middleware buffers error
// responses to apply sanitization before sending to the client.
//
// SECURITY: This middleware prevents leaking internal information in error responses
// by removing stack traces, file paths, and other implementation details. Critical
// for production deployments to avoid exposing internal application structure,
// source code locations, or debug information that could aid attackers.
//
// By default, strips both stack traces and file paths from error responses.
// Use options to customize behavior.
//
// Example:
//
//	r.Use(flagkit.Sanitize())
//
// With custom settings:
//
//	r.Use(flagkit.Sanitize(
//		flagkit.WithStackTraces(false),  // Keep stack traces (dev only!)
//		flagkit.WithReplacementMessage("Service unavailable"),
//	))
//
// Example transformations:
//   - Before: "panic: runtime error at /app/internal/handler.go:42"
//   - After:  "Internal Server Error"
func Sanitize(opts ...SanitizeOption) func(http.Handler) http.Handler {
	config := sanitizeConfig{
		stripStackTraces: true,
		stripFilePaths:   true,
		replacementMsg:   "Internal Server Error",
	}

	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &sanitizeWriter{
				ResponseWriter: w,
				config:         config,
				buf:            &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}

			defer sw.Flush()
			next.ServeHTTP(sw, r)
		})
	}
}

// SanitizeOption configures the sanitization middleware.
type SanitizeOption func(*sanitizeConfig)

// WithStackTraces controls whether stack traces are stripped (default: true).
// Set to false only in development environments where debugging information is needed.
// NEVER disable in production.
func WithStackTraces(strip bool) SanitizeOption {
	return func(c *sanitizeConfig) {
		c.stripStackTraces = strip
	}
}

// WithFilePaths controls whether file paths are stripped (default: true).
// Set to false only in development environments where debugging information is needed.
// NEVER disable in production.
func WithFilePaths(strip bool) SanitizeOption {
	return func(c *sanitizeConfig) {
		c.stripFilePaths = strip
	}
}

// WithReplacementMessage sets the message to use when all content is stripped.
// This message is shown when sanitization removes all error content, providing
// a safe, generic error message to clients. Default: "Internal Server Error".
func WithReplacementMessage(msg string) SanitizeOption {
	return func(c *sanitizeConfig) {
		c.replacementMsg = msg
	}
}
