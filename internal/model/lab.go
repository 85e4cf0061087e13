package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Address is a lab's postal address. The catalog service sends it either as
// an object or as a JSON document embedded in a string; both decode here.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

func (a *Address) UnmarshalJSON(data []byte) error {
	type plain Address
	var v plain
	text, err := decodeDualEncoded(data, &v)
	if err != nil {
		return err
	}
	if text != "" {
		v = plain{Street: text}
	}
	*a = Address(v)
	return nil
}

func (a Address) String() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{a.Street, a.City, a.State, a.Zip} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Contact holds a lab's phone and email, with the same dual encoding as
// Address.
type Contact struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
}

func (c *Contact) UnmarshalJSON(data []byte) error {
	type plain Contact
	var v plain
	text, err := decodeDualEncoded(data, &v)
	if err != nil {
		return err
	}
	if text != "" {
		v = plain{Phone: text}
	}
	*c = Contact(v)
	return nil
}

// decodeDualEncoded unmarshals an object, or an object embedded in a JSON
// string, into v. A string that does not hold an object is returned as text.
func decodeDualEncoded(data []byte, v interface{}) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] != '"' {
		return "", json.Unmarshal(data, v)
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte(s), v); err == nil {
			return "", nil
		}
	}
	return s, nil
}

// OperatingHours is one weekday's opening window, times as HH:MM.
type OperatingHours struct {
	Day    string `json:"day"`
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

// Lab is a diagnostic laboratory and its catalog.
type Lab struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Address  Address          `json:"address"`
	Contact  Contact          `json:"contact"`
	Hours    []OperatingHours `json:"operating_hours,omitempty"`
	Location *Coordinates     `json:"location,omitempty"`
	Tests    []TestRef        `json:"tests,omitempty"`
	Packages []PackageRef     `json:"packages,omitempty"`

	// DistanceKm is computed by the ranker and never sent to the backend.
	// +Inf means unknown.
	DistanceKm float64 `json:"-"`
}

// DistanceKnown reports whether DistanceKm holds a computed value.
func (l Lab) DistanceKnown() bool {
	return !math.IsInf(l.DistanceKm, 0) && !math.IsNaN(l.DistanceKm)
}

// ResolvedTests returns the tests carrying full details, in catalog order.
func (l Lab) ResolvedTests() []Test {
	out := make([]Test, 0, len(l.Tests))
	for _, ref := range l.Tests {
		if t, ok := ref.Value(); ok {
			out = append(out, t)
		}
	}
	return out
}

// ResolvedPackages returns the packages carrying full details, in catalog order.
func (l Lab) ResolvedPackages() []Package {
	out := make([]Package, 0, len(l.Packages))
	for _, ref := range l.Packages {
		if p, ok := ref.Value(); ok {
			out = append(out, p)
		}
	}
	return out
}

func (l Lab) TestByID(id string) (Test, bool) {
	for _, ref := range l.Tests {
		if t, ok := ref.Value(); ok && t.ID == id {
			return t, true
		}
	}
	return Test{}, false
}

func (l Lab) PackageByID(id string) (Package, bool) {
	for _, ref := range l.Packages {
		if p, ok := ref.Value(); ok && p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// HoursOn returns the hours entry for the weekday, matched case-insensitively
// on the English day name.
func (l Lab) HoursOn(day time.Weekday) (OperatingHours, bool) {
	for _, h := range l.Hours {
		if strings.EqualFold(strings.TrimSpace(h.Day), day.String()) {
			return h, true
		}
	}
	return OperatingHours{}, false
}

// ClosedOn reports whether the lab explicitly lists the weekday as closed.
// Missing hours mean open.
func (l Lab) ClosedOn(day time.Weekday) bool {
	h, ok := l.HoursOn(day)
	return ok && h.Closed
}
