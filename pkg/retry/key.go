package retry

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
)

// Kind identifies the install phase a retry applies to.
type Kind int

const (
	// Cache is the phase that acquires payloads into the package cache.
	Cache Kind = iota
	// Execute is the phase that installs or uninstalls a package.
	Execute
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case Cache:
		return "cache"
	case Execute:
		return "execute"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "cache":
		return Cache, nil
	case "execute":
		return Execute, nil
	default:
		return 0, fmt.Errorf("retry: unknown kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ID is an optional package or payload identifier.
// The zero value is None, which is distinct from Some("").
type ID struct {
	value string
	valid bool
}

// None is the absent identifier.
var None ID

// Some returns a present identifier.
func Some(v string) ID {
	return ID{value: v, valid: true}
}

// Value returns the identifier and whether it is present.
func (id ID) Value() (string, bool) {
	return id.value, id.valid
}

// IsNone reports whether the identifier is absent.
func (id ID) IsNone() bool {
	return !id.valid
}

// String returns the identifier, or "<none>" when absent.
func (id ID) String() string {
	if !id.valid {
		return "<none>"
	}
	return id.value
}

// MarshalJSON encodes None as null and Some(v) as a string.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes null as None and a string as Some.
func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = None
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*id = Some(v)
	return nil
}

func compareID(a, b ID) int {
	if a.valid != b.valid {
		if !a.valid {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.value, b.value)
}

// Key identifies one tracked operation.
type Key struct {
	Kind    Kind `json:"kind"`
	Package ID   `json:"package"`
	Payload ID   `json:"payload"`
}

// String returns a compact form used in logs.
func (k Key) String() string {
	return k.Kind.String() + "/" + k.Package.String() + "/" + k.Payload.String()
}

func compareKey(a, b Key) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	if c := compareID(a.Package, b.Package); c != 0 {
		return c
	}
	return compareID(a.Payload, b.Payload)
}

// State is the tracked state of one key.
type State struct {
	Attempts  int   `json:"attempts"`
	LastError int32 `json:"last_error"`
}

// Entry pairs a key with its state.
type Entry struct {
	Key   Key   `json:"key"`
	State State `json:"state"`
}

// Decision is the outcome of EndPackage.
type Decision int

const (
	// NoAction means the caller should not retry; the entry has been cleared.
	NoAction Decision = iota
	// Retry means the caller should start the same operation again.
	Retry
)

// String returns the string representation of the Decision.
func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "no_action"
}

// ParseDecision is the inverse of Decision.String.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "retry":
		return Retry, nil
	case "no_action":
		return NoAction, nil
	default:
		return 0, fmt.Errorf("retry: unknown decision %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(b []byte) error {
	v, err := ParseDecision(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
