package flagkit

// Request binding for the flag API.
//
// JSON decodes a request body, Query decodes URL parameters, and both run
// struct tag validation through go-playground/validator/v10 before the
// handler sees the value. Validation failures become the same field-error
// envelope the flag document parser produces, so clients get one error
// shape no matter where a request went wrong.
//
// Example:
//
//	type setFlagRequest struct {
//		Key   string `json:"key" validate:"required,oneof=enablePayments enableExperimentalUI"`
//		Value bool   `json:"value"`
//	}
//
//	func handle(_ http.ResponseWriter, r *http.Request) {
//		var req setFlagRequest
//		if !flagkit.JSON(r, &req) {
//			return // validation error already set
//		}
//		...
//	}

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

type bindContextKey string

const bindConfigKey bindContextKey = "bind_config"

// validate is shared by request binding and config validation. The mutex
// exists because RegisterValidation mutates it; reads vastly dominate.
var (
	validate          *validator.Validate
	validateMu        sync.RWMutex
	defaultBindConfig = &bindConfig{formatter: defaultFormatter}
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report violations under the wire name (json or query tag), not the
	// Go field name, so "enablePayments" comes back as written.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		if name := strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
}

// MessageFormatter generates human-readable message from validation error.
// Parameters: field name, validation tag, tag parameter (e.g., "10" from "min=10")
type MessageFormatter func(field, tag, param string) string

type bindConfig struct {
	formatter MessageFormatter
}

// BindOption configures the bind middleware.
type BindOption func(*bindConfig)

// BindWithFormatter sets a custom message formatter for validation errors.
func BindWithFormatter(fn MessageFormatter) BindOption {
	return func(c *bindConfig) {
		c.formatter = fn
	}
}

// Binder returns middleware carrying bind configuration for downstream
// JSON and Query calls. Without it, the default formatter applies.
func Binder(opts ...BindOption) func(http.Handler) http.Handler {
	cfg := &bindConfig{formatter: defaultFormatter}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), bindConfigKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getBindConfig(ctx context.Context) *bindConfig {
	if cfg, ok := ctx.Value(bindConfigKey).(*bindConfig); ok {
		return cfg
	}
	return defaultBindConfig
}

func defaultFormatter(_, tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "email":
		return "must be a valid email"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "oneof":
		return "must be one of: " + param
	case "uuid":
		return "must be a valid UUID"
	case "url":
		return "must be a valid URL"
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

// JSON decodes request body into dest and validates it.
// Returns true if binding and validation succeeded, false otherwise.
// When validation fails, an error is set in the request state (if available).
//
// Body size limits: if MaxBodySize middleware is active, requests exceeding
// the limit during decode return ErrPayloadTooLarge (413). This covers
// chunked transfers and requests with missing or wrong Content-Length.
func JSON(r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if HasState(r.Context()) {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				SetError(r, ErrPayloadTooLarge.With("Request body too large"))
			} else {
				SetError(r, ErrBadRequest.With("Invalid JSON request body"))
			}
		}
		return false
	}

	return checkStruct(r, dest)
}

// Query decodes query parameters into dest and validates it.
// Returns true if binding and validation succeeded, false otherwise.
// When validation fails, an error is set in the request state (if available).
func Query(r *http.Request, dest any) bool {
	if err := bindQuery(r, dest); err != nil {
		if HasState(r.Context()) {
			SetError(r, ErrBadRequest.With("Invalid query parameters"))
		}
		return false
	}

	return checkStruct(r, dest)
}

// checkStruct runs tag validation on an already-decoded value and turns
// violations into a validation error on the request state.
func checkStruct(r *http.Request, dest any) bool {
	validateMu.RLock()
	err := validate.Struct(dest)
	validateMu.RUnlock()

	if err != nil {
		if HasState(r.Context()) {
			cfg := getBindConfig(r.Context())
			SetError(r, NewValidationError(fieldViolations(err, cfg.formatter)))
		}
		return false
	}
	return true
}

// RegisterValidation registers a custom validation function.
// Must be called at startup before handling requests.
func RegisterValidation(tag string, fn validator.Func) error {
	validateMu.Lock()
	defer validateMu.Unlock()
	return validate.RegisterValidation(tag, fn)
}

func fieldViolations(err error, formatter MessageFormatter) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []FieldError{{
			Param:   "",
			Code:    "validation",
			Message: err.Error(),
		}}
	}
	result := make([]FieldError, len(errs))
	for i, e := range errs {
		result[i] = FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: formatter(e.Field(), e.Tag(), e.Param()),
		}
	}
	return result
}

// bindQuery fills dest from URL query parameters using `query` struct
// tags. Absent parameters leave the zero value in place for validator
// tags like omitempty to act on.
func bindQuery(r *http.Request, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("dest must be non-nil pointer to struct")
	}
	v := rv.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("dest must be pointer to struct, got pointer to %s", v.Kind())
	}
	t := v.Type()

	query := r.URL.Query()

	for i := range t.NumField() {
		structField := t.Field(i)
		tag := structField.Tag.Get("query")
		if tag == "" || tag == "-" {
			continue
		}

		fieldVal := v.Field(i)
		if !fieldVal.CanSet() {
			continue
		}

		name := strings.SplitN(tag, ",", 2)[0]
		value := query.Get(name)
		if value == "" {
			continue
		}

		if err := setQueryField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
	}

	return nil
}

func setQueryField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		bitSize := field.Type().Bits()
		n, err := strconv.ParseInt(value, 10, bitSize)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		bitSize := field.Type().Bits()
		n, err := strconv.ParseUint(value, 10, bitSize)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		bitSize := field.Type().Bits()
		f, err := strconv.ParseFloat(value, bitSize)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}
	return nil
}
