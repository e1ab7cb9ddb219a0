package models

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Pipeline stages an error can be recorded in.
const (
	StageFetch    = "fetch"
	StageParse    = "parse"
	StageValidate = "validate"
)

// Error kinds surfaced in the report.
const (
	KindNetwork    = "network_error"
	KindCircuit    = "circuit_open"
	KindConfig     = "config_error"
	KindParse      = "parse_error"
	KindValidation = "validation_error"
	KindIO         = "io_error"
	KindCancelled  = "cancelled"
	KindUnknown    = "unknown"
)

// ErrorInfo is one recorded failure from either phase.
type ErrorInfo struct {
	Source    string    `json:"source"`
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
	File      string    `json:"file,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Kinded is implemented by the typed errors of every package so the kind can
// be recovered from a wrapped chain.
type Kinded interface {
	error
	Kind() string
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) string {
	if err == nil {
		return KindUnknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// NewErrorInfo builds an ErrorInfo for err recorded at stage.
func NewErrorInfo(source, stage string, err error) ErrorInfo {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorInfo{
		Source:    source,
		Stage:     stage,
		Kind:      KindOf(err),
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}
