package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Availability describes whether and how an acquisition can currently be
// used. The concrete types are Unavailable, Limited, Unlimited, Reserved and
// Ready; callers switch on the concrete type.
type Availability interface {
	Kind() AvailabilityKind
	isAvailability()
}

// AvailabilityKind is the stable serialized tag of an Availability.
type AvailabilityKind string

const (
	KindUnavailable AvailabilityKind = "unavailable"
	KindLimited     AvailabilityKind = "limited"
	KindUnlimited   AvailabilityKind = "unlimited"
	KindReserved    AvailabilityKind = "reserved"
	KindReady       AvailabilityKind = "ready"
)

// Unavailable means no copies can be borrowed right now.
type Unavailable struct {
	HoldsTotal      int
	CopiesAvailable int
	CopiesTotal     int
}

// Limited means a limited number of copies can be borrowed.
type Limited struct {
	CopiesAvailable int
	CopiesTotal     int
	Since           *time.Time
	Until           *time.Time
}

// Unlimited means the book can always be borrowed.
type Unlimited struct{}

// Reserved means the patron holds a place in the queue.
type Reserved struct {
	HoldPosition int
	CopiesTotal  int
	Since        *time.Time
	Until        *time.Time
}

// Ready means a reserved copy is waiting for the patron.
type Ready struct {
	Since *time.Time
	Until *time.Time
}

func (Unavailable) Kind() AvailabilityKind { return KindUnavailable }
func (Limited) Kind() AvailabilityKind     { return KindLimited }
func (Unlimited) Kind() AvailabilityKind   { return KindUnlimited }
func (Reserved) Kind() AvailabilityKind    { return KindReserved }
func (Ready) Kind() AvailabilityKind       { return KindReady }

func (Unavailable) isAvailability() {}
func (Limited) isAvailability()     {}
func (Unlimited) isAvailability()   {}
func (Reserved) isAvailability()    {}
func (Ready) isAvailability()       {}

// IsReserved reports whether a is a Reserved availability.
func IsReserved(a Availability) bool {
	_, ok := a.(Reserved)
	return ok
}

// IsReady reports whether a is a Ready availability.
func IsReady(a Availability) bool {
	_, ok := a.(Ready)
	return ok
}

// IsBorrowable reports whether a download may start right after a borrow.
func IsBorrowable(a Availability) bool {
	switch a.(type) {
	case Limited, Unlimited, Ready:
		return true
	case Unavailable, Reserved:
		return false
	default:
		return false
	}
}

type availabilityJSON struct {
	Status          AvailabilityKind `json:"status"`
	HoldsTotal      int              `json:"holdsTotal,omitempty"`
	HoldPosition    int              `json:"holdsPosition,omitempty"`
	CopiesAvailable int              `json:"copiesAvailable,omitempty"`
	CopiesTotal     int              `json:"copiesTotal,omitempty"`
	Since           *time.Time       `json:"since,omitempty"`
	Until           *time.Time       `json:"until,omitempty"`
}

func marshalAvailability(a Availability) ([]byte, error) {
	var v availabilityJSON
	switch t := a.(type) {
	case Unavailable:
		v = availabilityJSON{Status: KindUnavailable, HoldsTotal: t.HoldsTotal, CopiesAvailable: t.CopiesAvailable, CopiesTotal: t.CopiesTotal}
	case Limited:
		v = availabilityJSON{Status: KindLimited, CopiesAvailable: t.CopiesAvailable, CopiesTotal: t.CopiesTotal, Since: t.Since, Until: t.Until}
	case Unlimited:
		v = availabilityJSON{Status: KindUnlimited}
	case Reserved:
		v = availabilityJSON{Status: KindReserved, HoldPosition: t.HoldPosition, CopiesTotal: t.CopiesTotal, Since: t.Since, Until: t.Until}
	case Ready:
		v = availabilityJSON{Status: KindReady, Since: t.Since, Until: t.Until}
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unknown availability %T", a)
	}
	return json.Marshal(v)
}

func unmarshalAvailability(data []byte) (Availability, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var v availabilityJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	switch v.Status {
	case KindUnavailable:
		return Unavailable{HoldsTotal: v.HoldsTotal, CopiesAvailable: v.CopiesAvailable, CopiesTotal: v.CopiesTotal}, nil
	case KindLimited:
		return Limited{CopiesAvailable: v.CopiesAvailable, CopiesTotal: v.CopiesTotal, Since: v.Since, Until: v.Until}, nil
	case KindUnlimited:
		return Unlimited{}, nil
	case KindReserved:
		return Reserved{HoldPosition: v.HoldPosition, CopiesTotal: v.CopiesTotal, Since: v.Since, Until: v.Until}, nil
	case KindReady:
		return Ready{Since: v.Since, Until: v.Until}, nil
	default:
		return nil, fmt.Errorf("unknown availability status %q", v.Status)
	}
}
