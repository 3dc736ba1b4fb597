package utility

import (
	"fmt"
	"strings"
)

// Type identifies a metered utility.
type Type string

const (
	Water  Type = "water"
	Gas    Type = "gas"
	Energy Type = "energy"
)

// All lists every supported utility in reporting order.
func All() []Type {
	return []Type{Water, Energy, Gas}
}

// Parse normalises s and returns the matching utility type.
func Parse(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown utility type %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the supported utilities.
func (t Type) Valid() bool {
	switch t {
	case Water, Gas, Energy:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	return string(t)
}
