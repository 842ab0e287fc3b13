// Request guards for the flag API: header validation and body size caps.
//
// The flag endpoints accept a small JSON document, so writes are fenced
// with a Content-Type allowlist and a tight body cap before any byte of
// the payload is parsed:
//
//	r.Use(flagkit.ValidateHeaders(
//		flagkit.ValidateWithHeader("Content-Type", flagkit.ValidateRequired(), flagkit.ValidateAllowList("application/json")),
//	))
//	r.Use(flagkit.MaxBodySize(64 * 1024))

package flagkit

import (
	"fmt"
	"net/http"
	"strings"
)

// validateBodySizeConfig holds configuration for MaxBodySize middleware.
type validateBodySizeConfig struct {
	maxBytes int64
}

// BodySizeOption configures MaxBodySize middleware.
type BodySizeOption func(*validateBodySizeConfig)

// MaxBodySize returns middleware that limits request body size.
//
// Protection happens in two stages: a declared Content-Length over the
// limit is rejected with 413 before the handler runs, and the body is
// wrapped in http.MaxBytesReader to catch chunked transfers and wrong
// or missing Content-Length during the actual read. With JSON binding
// the second stage surfaces as ErrPayloadTooLarge from the decode:
//
//	r.Use(flagkit.MaxBodySize(64 * 1024))
//	r.Post("/api/feature-flags", func(_ http.ResponseWriter, r *http.Request) {
//	    var req setFlagRequest
//	    if !flagkit.JSON(r, &req) {
//	        return // 413 if the body exceeded the cap during decode
//	    }
//	})
func MaxBodySize(maxBytes int64, opts ...BodySizeOption) func(http.Handler) http.Handler {
	cfg := &validateBodySizeConfig{
		maxBytes: maxBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > cfg.maxBytes {
				if HasState(r.Context()) {
					SetError(r, ErrPayloadTooLarge.With("Request body too large"))
				} else {
					http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				}
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, cfg.maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateHeaderConfig defines validation rules for a header.
type ValidateHeaderConfig struct {
	Name          string
	Required      bool
	AllowedList   []string
	DeniedList    []string
	CaseSensitive bool
}

// validateHeadersConfig holds the configuration for ValidateHeaders middleware.
type validateHeadersConfig struct {
	rules []ValidateHeaderConfig
}

// ValidateHeadersOption configures ValidateHeaders middleware.
type ValidateHeadersOption func(*validateHeadersConfig)

// ValidateWithHeader adds a header validation rule with the given name and options.
func ValidateWithHeader(name string, opts ...ValidateHeaderOption) ValidateHeadersOption {
	return func(cfg *validateHeadersConfig) {
		rule := ValidateHeaderConfig{Name: name}
		for _, opt := range opts {
			opt(&rule)
		}
		cfg.rules = append(cfg.rules, rule)
	}
}

// ValidateHeaders returns middleware enforcing header rules. Each rule
// checks presence (when required) and matches the value against its
// allow and deny lists, case-insensitively unless ValidateCaseSensitive
// is set. Any violation is a 400 carrying the offending header name.
func ValidateHeaders(opts ...ValidateHeadersOption) func(http.Handler) http.Handler {
	cfg := &validateHeadersConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			useWrapper := HasState(r.Context())

			for i := range cfg.rules {
				if err := checkHeaderRule(r, &cfg.rules[i]); err != nil {
					if useWrapper {
						SetError(r, err)
					} else {
						http.Error(w, err.Message, err.Status)
					}
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func checkHeaderRule(r *http.Request, rule *ValidateHeaderConfig) *APIError {
	value := r.Header.Get(rule.Name)

	if value == "" {
		if rule.Required {
			return headerError("missing_header", fmt.Sprintf("Missing required header: %s", rule.Name), rule.Name)
		}
		return nil
	}

	if len(rule.AllowedList) > 0 && !matchesList(rule, value, rule.AllowedList) {
		return headerError("invalid_header", fmt.Sprintf("Header %s value not in allowed list", rule.Name), rule.Name)
	}

	if matchesList(rule, value, rule.DeniedList) {
		return headerError("invalid_header", fmt.Sprintf("Header %s value is denied", rule.Name), rule.Name)
	}

	return nil
}

// matchesList reports whether value equals any list entry under the
// rule's case sensitivity setting.
func matchesList(rule *ValidateHeaderConfig, value string, list []string) bool {
	if !rule.CaseSensitive {
		value = strings.ToLower(value)
	}
	for _, entry := range list {
		if !rule.CaseSensitive {
			entry = strings.ToLower(entry)
		}
		if value == entry {
			return true
		}
	}
	return false
}

func headerError(code, message, param string) *APIError {
	return &APIError{
		Type:    "validation_error",
		Code:    code,
		Message: message,
		Param:   param,
		Status:  http.StatusBadRequest,
	}
}

// ValidateHeaderOption configures a header validation rule.
type ValidateHeaderOption func(*ValidateHeaderConfig)

// ValidateRequired marks a header as required.
func ValidateRequired() ValidateHeaderOption {
	return func(r *ValidateHeaderConfig) {
		r.Required = true
	}
}

// ValidateAllowList sets the list of allowed values for a header.
// If set, only values in this list are permitted. Returns 400 if the value is not in the list.
func ValidateAllowList(values ...string) ValidateHeaderOption {
	return func(r *ValidateHeaderConfig) {
		r.AllowedList = values
	}
}

// ValidateDenyList sets the list of denied values for a header.
// If set, values in this list are explicitly forbidden. Returns 400 if the value is in the list.
func ValidateDenyList(values ...string) ValidateHeaderOption {
	return func(r *ValidateHeaderConfig) {
		r.DeniedList = values
	}
}

// ValidateCaseSensitive makes header value comparisons case-sensitive.
// By default, comparisons are case-insensitive.
func ValidateCaseSensitive() ValidateHeaderOption {
	return func(r *ValidateHeaderConfig) {
		r.CaseSensitive = true
	}
}
