// Package zone owns execution-context identity.
//
// Ownership boundary:
// - zone kinds and per-document runtime identity
// - transport address form
// - one-shot detection from the hosting context
package zone

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownKind      = errors.New("zone: unknown kind")
	ErrTabIDRequired    = errors.New("zone: tab id required for per-document zone")
	ErrUnexpectedTabID  = errors.New("zone: tab id not allowed for zone kind")
	ErrInvalidAddress   = errors.New("zone: invalid address")
	ErrHostContextEmpty = errors.New("zone: host context required")
)

// Kind is the category of an isolated execution context.
type Kind string

const (
	Background Kind = "background"
	Content    Kind = "content"
	Popup      Kind = "popup"
	Options    Kind = "options"
)

var kinds = []Kind{Background, Content, Popup, Options}

// Kinds returns every known zone kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// PerDocument reports whether many instances of the kind run at once,
// distinguished by tab id.
func (k Kind) PerDocument() bool {
	return k == Content
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind normalizes raw into a known Kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
	return k, nil
}

// RuntimeInfo carries identity that distinguishes instances of one kind.
type RuntimeInfo struct {
	// TabID is positive for per-document zones and zero otherwise.
	TabID int
}

func (r RuntimeInfo) HasTabID() bool {
	return r.TabID > 0
}

// Zone is the resolved identity of one execution context.
type Zone struct {
	Kind    Kind
	Runtime RuntimeInfo
}

func (z Zone) Validate() error {
	if !z.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, z.Kind)
	}
	if z.Kind.PerDocument() && !z.Runtime.HasTabID() {
		return ErrTabIDRequired
	}
	if !z.Kind.PerDocument() && z.Runtime.TabID != 0 {
		return fmt.Errorf("%w: %s", ErrUnexpectedTabID, z.Kind)
	}
	return nil
}

// Address returns the transport address of the zone.
func (z Zone) Address() Address {
	if z.Kind.PerDocument() {
		return Address(string(z.Kind) + ":" + strconv.Itoa(z.Runtime.TabID))
	}
	return Address(z.Kind)
}

func (z Zone) String() string {
	return string(z.Address())
}

// Address is the transport name of a zone: "background", "popup", "content:12".
type Address string

// Broadcast is the empty address; envelopes sent to it reach every other zone.
const Broadcast Address = ""

// AddressOf returns the address of a singleton zone kind.
func AddressOf(kind Kind) Address {
	return Address(kind)
}

// ContentAddress returns the address of the content zone in tab.
func ContentAddress(tabID int) Address {
	return Zone{Kind: Content, Runtime: RuntimeInfo{TabID: tabID}}.Address()
}

// Parse resolves an address back to its zone identity.
func (a Address) Parse() (Zone, error) {
	raw := strings.TrimSpace(string(a))
	if raw == "" {
		return Zone{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	kindPart, tabPart, hasTab := strings.Cut(raw, ":")
	kind, err := ParseKind(kindPart)
	if err != nil {
		return Zone{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	z := Zone{Kind: kind}
	if hasTab {
		tab, err := strconv.Atoi(tabPart)
		if err != nil {
			return Zone{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		z.Runtime.TabID = tab
	}
	if err := z.Validate(); err != nil {
		return Zone{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	return z, nil
}

func (a Address) Kind() Kind {
	kind, _, _ := strings.Cut(string(a), ":")
	return Kind(kind)
}

func (a Address) String() string {
	return string(a)
}

// HostContext is the hosting context a zone boots inside.
type HostContext interface {
	ZoneKind() string
	TabID() (int, bool)
}

// Detect determines the zone identity of the hosting context.
func Detect(h HostContext) (Zone, error) {
	if h == nil {
		return Zone{}, ErrHostContextEmpty
	}
	kind, err := ParseKind(h.ZoneKind())
	if err != nil {
		return Zone{}, err
	}
	z := Zone{Kind: kind}
	if tab, ok := h.TabID(); ok {
		z.Runtime.TabID = tab
	}
	if err := z.Validate(); err != nil {
		return Zone{}, err
	}
	return z, nil
}
