package server

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const defaultMaxPostalCode = 52006

func newValidator(maxCode int) *validator.Validate {
	if maxCode <= 0 {
		maxCode = defaultMaxPostalCode
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("maxcode", func(fl validator.FieldLevel) bool {
		n, err := strconv.Atoi(fl.Field().String())
		return err == nil && n <= maxCode
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), describe(fe)))
	}
	return strings.Join(msgs, "; ")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "len", "number":
		return "must be 5 digits"
	case "maxcode":
		return "not a valid postal code"
	case "email":
		return "not a valid email address"
	case "max":
		return "too long"
	default:
		return "invalid"
	}
}
