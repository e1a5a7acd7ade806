package models

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate shares gin's "binding" tag so one struct serves both the HTTP
// and the signaling surface.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks s against its binding tags.
func Validate(s any) error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" failed on "+fe.Tag())
			}
			return ErrInvalidRequest.WithMessage("invalid request: %s", strings.Join(fields, "; "))
		}
		return ErrInvalidRequest.WithMessage("invalid request: %v", err)
	}
	return nil
}

// Decode unmarshals data into v and validates it.
func Decode(data json.RawMessage, v any) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return ErrInvalidRequest.WithMessage("malformed payload: %v", err)
		}
	}
	return Validate(v)
}
