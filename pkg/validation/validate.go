package validation

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their wire name
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// FieldError is one failed rule on one field.
type FieldError struct {
	Field string
	Rule  string
}

// Error lists every failed field of a validated value.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Field, f.Rule))
	}
	return "invalid fields: " + strings.Join(parts, ", ")
}

// Names returns the failed field names in declaration order.
func (e *Error) Names() []string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return names
}

// Missing returns the fields that failed a "required" rule.
func (e *Error) Missing() []string {
	var names []string
	for _, f := range e.Fields {
		if f.Rule == "required" {
			names = append(names, f.Field)
		}
	}
	return names
}

func Validate[T any](value T) (T, error) {
	if err := validate.Struct(value); err != nil {
		return value, convert(err)
	}
	return value, nil
}

func convert(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &Error{}
	for _, fe := range verrs {
		// Namespace is "Type.field.sub"; drop the root type name
		name := fe.Namespace()
		if idx := strings.Index(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		out.Fields = append(out.Fields, FieldError{Field: name, Rule: fe.Tag()})
	}
	return out
}

// BindRequest binds and validates an echo request body, returning 400 errors.
func BindRequest[T any](c echo.Context) (T, error) {
	var v T

	if err := c.Bind(&v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	if _, err := Validate(v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	return v, nil
}
