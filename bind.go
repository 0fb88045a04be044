package storekit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate   *validator.Validate
	validateMu sync.RWMutex
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, key := range []string{"json", "query"} {
			if name, _, _ := strings.Cut(fld.Tag.Get(key), ","); name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
}

// RegisterValidation registers a custom validation tag. Call it at startup,
// before requests are served.
func RegisterValidation(tag string, fn validator.Func) error {
	validateMu.Lock()
	defer validateMu.Unlock()
	return validate.RegisterValidation(tag, fn)
}

// JSON decodes the request body into dest and validates it. Unknown fields are
// rejected. The error, when non-nil, is an *APIError:
// ErrPayloadTooLarge when MaxBodySize cut the body short, ErrBadRequest for
// malformed JSON, and a validation error listing each failing field.
func JSON(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrBadRequest.With("Request body is required")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			return ErrPayloadTooLarge.With("Request body too large")
		case errors.Is(err, io.EOF):
			return ErrBadRequest.With("Request body is required")
		default:
			return ErrBadRequest.With("Invalid JSON request body")
		}
	}

	return validateStruct(dest)
}

// Query decodes URL query parameters into the `query`-tagged fields of dest
// and validates it. Supported field kinds are string, signed and unsigned
// integers, and bool.
func Query(r *http.Request, dest any) error {
	if err := decodeQuery(r, dest); err != nil {
		return ErrBadRequest.With("Invalid query parameters: " + err.Error())
	}
	return validateStruct(dest)
}

func validateStruct(dest any) error {
	validateMu.RLock()
	err := validate.Struct(dest)
	validateMu.RUnlock()
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return ErrInternal
	}
	fields := make([]FieldError, len(errs))
	for i, e := range errs {
		fields[i] = FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: describeRule(e.Tag(), e.Param()),
		}
	}
	return NewValidationError(fields)
}

func describeRule(tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "oneof":
		return "must be one of: " + param
	case "fqdn", "hostname", "hostname_rfc1123":
		return "must be a valid domain name"
	case "url", "http_url":
		return "must be a valid URL"
	case "market":
		return "must be a market id like en-US"
	}
	if param != "" {
		return tag + "=" + param
	}
	return tag
}

func decodeQuery(r *http.Request, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dest must be a non-nil pointer to struct")
	}
	v := rv.Elem()
	t := v.Type()
	query := r.URL.Query()

	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("query"), ",")
		if name == "" || name == "-" {
			continue
		}
		field := v.Field(i)
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" || !field.CanSet() {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
			if err != nil {
				return fmt.Errorf("%s must be an integer", name)
			}
			field.SetInt(n)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
			if err != nil {
				return fmt.Errorf("%s must be a non-negative integer", name)
			}
			field.SetUint(n)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s must be a boolean", name)
			}
			field.SetBool(b)
		default:
			return fmt.Errorf("%s has unsupported type %s", name, field.Kind())
		}
	}
	return nil
}
