package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Test is a single diagnostic test offered by a lab.
type Test struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Price       int64  `json:"price"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

func (t Test) Identity() string { return t.ID }

// Package is a priced bundle of tests. DiscountPercent is informational and
// is never applied to the price.
type Package struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Price           int64     `json:"price"`
	DiscountPercent float64   `json:"discount_percent"`
	Tests           []TestRef `json:"tests,omitempty"`
}

func (p Package) Identity() string { return p.ID }

// Identifiable is anything a catalog reference can point at.
type Identifiable interface {
	Identity() string
}

// Ref is a catalog entry that is either a bare reference or a resolved value.
// On the wire a JSON string is a reference and an object is a resolved value.
type Ref[T Identifiable] struct {
	id    string
	value *T
}

type (
	TestRef    = Ref[Test]
	PackageRef = Ref[Package]
)

// Reference builds an unresolved ref.
func Reference[T Identifiable](id string) Ref[T] {
	return Ref[T]{id: id}
}

// Resolved builds a ref that carries its value.
func Resolved[T Identifiable](v T) Ref[T] {
	return Ref[T]{id: v.Identity(), value: &v}
}

func (r Ref[T]) ID() string { return r.id }

func (r Ref[T]) IsResolved() bool { return r.value != nil }

// Value returns the resolved value, if any.
func (r Ref[T]) Value() (T, bool) {
	if r.value == nil {
		var zero T
		return zero, false
	}
	return *r.value, true
}

func (r *Ref[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*r = Ref[T]{}
		return nil
	case data[0] == '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = Ref[T]{id: id}
		return nil
	case data[0] == '{':
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*r = Resolved(v)
		return nil
	default:
		return fmt.Errorf("catalog reference: unexpected JSON %s", truncate(data, 32))
	}
}

func (r Ref[T]) MarshalJSON() ([]byte, error) {
	if r.value != nil {
		return json.Marshal(*r.value)
	}
	return json.Marshal(r.id)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
