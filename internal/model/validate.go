package model

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// structValidate checks `validate` struct tags on request bodies. Field names
// in errors are the JSON names the client sent.
var structValidate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FieldViolation names one field that failed validation and the rule it broke.
type FieldViolation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// Validate checks v's struct tags. Failures come back as an InvalidArgument
// DetailedError listing every offending field.
func Validate(v any) error {
	err := structValidate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewError(ErrInvalidArgument, nil, "%v", err)
	}
	violations := make([]FieldViolation, len(verrs))
	names := make([]string, len(verrs))
	for i, fe := range verrs {
		violations[i] = FieldViolation{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()}
		names[i] = fe.Field()
	}
	return NewError(ErrInvalidArgument, map[string]any{"violations": violations},
		"invalid fields: %s", strings.Join(names, ", "))
}
