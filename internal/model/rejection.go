package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RejectionKind names the record kind a rejection refers to.
type RejectionKind string

const (
	RejectionDataset RejectionKind = "dataset"
	RejectionFile    RejectionKind = "file"
)

// Rejection records an input that failed validation or integrity checks.
type Rejection struct {
	Kind       RejectionKind   `json:"kind"`
	Repository Repository      `json:"repository"`
	ID         string          `json:"id"`
	Field      string          `json:"field"`
	Reason     string          `json:"reason"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	At         time.Time       `json:"at"`
}

// NewRejection builds a Rejection from a validation error. Errors that are
// not *ValidationError are recorded with an empty field.
func NewRejection(kind RejectionKind, repo Repository, id string, err error, raw any) Rejection {
	r := Rejection{
		Kind:       kind,
		Repository: repo,
		ID:         id,
		Reason:     err.Error(),
		At:         time.Now().UTC(),
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		r.Field = ve.Field
		r.Reason = ve.Reason
	}
	if raw != nil {
		r.Raw = rawJSON(raw)
	}
	return r
}

// rawJSON encodes v for the side-channel. Input that is not valid JSON, such
// as a malformed listing item, is kept verbatim as a JSON string.
func rawJSON(v any) json.RawMessage {
	switch t := v.(type) {
	case json.RawMessage:
		if !json.Valid(t) {
			return quoted(string(t))
		}
	case []byte:
		if !json.Valid(t) {
			return quoted(string(t))
		}
		return json.RawMessage(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return quoted(fmt.Sprint(v))
	}
	return b
}

func quoted(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// Rejections collects rejections for one run. Safe for concurrent use.
type Rejections struct {
	mu    sync.Mutex
	items []Rejection
}

// Add appends a rejection.
func (r *Rejections) Add(rej Rejection) {
	r.mu.Lock()
	r.items = append(r.items, rej)
	r.mu.Unlock()
}

// Len returns the number of rejections collected so far.
func (r *Rejections) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Items returns a copy of the collected rejections.
func (r *Rejections) Items() []Rejection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Rejection, len(r.items))
	copy(out, r.items)
	return out
}
