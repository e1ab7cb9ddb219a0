// Package models defines the data structures shared by the fetch and processing phases.
package models

import "time"

// ProductItem is a normalized record produced by a worker from one queue entry.
type ProductItem struct {
	ID          string    `csv:"id" json:"id"`
	Name        string    `csv:"name" json:"name"`
	Category    string    `csv:"category" json:"category"`
	Price       *float64  `csv:"price" json:"price"`
	Source      string    `csv:"source" json:"source"`
	ProcessedAt time.Time `csv:"processed_at" json:"processed_at"`
}

// QueueEntry is one fetched payload plus its provenance, as stored in the handoff queue.
type QueueEntry struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	ConfigIndex int       `json:"config_index"`
	URL         string    `json:"url"`
	FetchedAt   time.Time `json:"fetched_at"`
	Body        []byte    `json:"body"`
}

// FetchResult is the outcome of a single fetch attempt. Exactly one of
// Payload and Err is set.
type FetchResult struct {
	Source  string
	Payload []byte
	Err     *ErrorInfo
}

// OK reports whether the fetch produced a payload.
func (r FetchResult) OK() bool {
	return r.Err == nil
}
