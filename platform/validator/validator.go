// Package validator wraps go-playground validation behind a small
// injectable handle. Platform layer, no business logic.
package validator

import "github.com/go-playground/validator/v10"

// Validator validates structs by their validate tags.
type Validator struct {
	v *validator.Validate
}

// New builds a Validator; register custom rules with RegisterValidation.
func New() *Validator {
	return &Validator{
		v: validator.New(),
	}
}

// Struct validates by tag.
func (val *Validator) Struct(s interface{}) error {
	return val.v.Struct(s)
}

// Var validates one value against a tag expression.
func (val *Validator) Var(field interface{}, tag string) error {
	return val.v.Var(field, tag)
}

// RegisterValidation adds a custom tag.
func (val *Validator) RegisterValidation(tag string, fn validator.Func) error {
	return val.v.RegisterValidation(tag, fn)
}
