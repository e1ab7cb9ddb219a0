package parser

import (
	"fmt"

	"github.com/aluiziolira/go-source-aggregator/models"
)

// ParseError means a payload could not be decoded into records.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Kind implements models.Kinded.
func (e *ParseError) Kind() string {
	return models.KindParse
}

// ValidationError means a single record failed validation.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %d: %s %s", e.Index, e.Field, e.Reason)
}

// Kind implements models.Kinded.
func (e *ValidationError) Kind() string {
	return models.KindValidation
}
