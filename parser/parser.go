// Package parser turns fetched payloads into normalized product records.
package parser

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aluiziolira/go-source-aggregator/models"
)

// DefaultCategory is used when a record has no category field.
const DefaultCategory = "unknown"

// wrapperKeys are the object fields that may hold the record list, in
// lookup order.
var wrapperKeys = []string{"data", "products", "items", "results"}

// Result is the outcome of normalizing one record. Exactly one of Item and
// Err is set.
type Result struct {
	Item *models.ProductItem
	Err  *ValidationError
}

// Valid reports whether the record produced an item.
func (r Result) Valid() bool {
	return r.Item != nil
}

// ParsePayload decodes a payload into raw records. The payload is either a
// JSON array or an object wrapping the array under a known key.
func ParsePayload(body []byte) ([]interface{}, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &ParseError{Err: errors.New("empty payload")}
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Err: errors.Wrap(err, "decode json")}
	}
	if dec.More() {
		return nil, &ParseError{Err: errors.New("trailing data after json value")}
	}

	switch v := doc.(type) {
	case []interface{}:
		return v, nil
	case map[string]interface{}:
		for _, key := range wrapperKeys {
			if list, ok := v[key].([]interface{}); ok {
				return list, nil
			}
		}
		return nil, &ParseError{Err: errors.Newf("object has no record list under %s", strings.Join(wrapperKeys, ", "))}
	default:
		return nil, &ParseError{Err: errors.New("payload is neither an array nor an object")}
	}
}

// Normalize validates raw record index from source and builds the item.
func Normalize(index int, raw interface{}, source string, now time.Time) Result {
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return invalid(index, "record", "is not an object")
	}

	id, ok := scalarString(fields["id"])
	if !ok || id == "" {
		return invalid(index, "id", "is missing")
	}

	name := displayName(fields)
	if name == "" {
		return invalid(index, "name", "is missing")
	}

	category := DefaultCategory
	if rawCat, present := fields["category"]; present && rawCat != nil {
		cat, ok := scalarString(rawCat)
		if !ok || cat == "" {
			return invalid(index, "category", "is blank")
		}
		category = cat
	}

	var price *float64
	if rawPrice, present := fields["price"]; present && rawPrice != nil {
		p, ok := number(rawPrice)
		if !ok {
			return invalid(index, "price", "is not a number")
		}
		if p < 0 {
			return invalid(index, "price", "is negative")
		}
		if p > models.MaxPrice {
			return invalid(index, "price", "exceeds maximum")
		}
		price = &p
	}

	return Result{Item: &models.ProductItem{
		ID:          id,
		Name:        name,
		Category:    category,
		Price:       price,
		Source:      source,
		ProcessedAt: now.UTC(),
	}}
}

func invalid(index int, field, reason string) Result {
	return Result{Err: &ValidationError{Index: index, Field: field, Reason: reason}}
}

// displayName prefers title, then name, then first_name and last_name.
func displayName(fields map[string]interface{}) string {
	for _, key := range []string{"title", "name"} {
		if s, ok := scalarString(fields[key]); ok && s != "" {
			return s
		}
	}
	first, _ := scalarString(fields["first_name"])
	last, _ := scalarString(fields["last_name"])
	return strings.TrimSpace(first + " " + last)
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// number accepts JSON numbers and numeric strings.
func number(v interface{}) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
