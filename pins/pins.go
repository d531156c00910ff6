// Package pins resolves pin descriptions like "mcu:PA4" or "!PB3" to the
// chip that owns the pin and tracks which pins are in use.
package pins

import (
	"fmt"
	"strings"
	"sync"

	"ads1100host/core"
)

var (
	ErrUnknownChip = fmt.Errorf("%w: unknown pin chip", core.ErrConfig)
	ErrPinInUse    = fmt.Errorf("%w: pin used multiple times", core.ErrConfig)
	ErrBadPin      = fmt.Errorf("%w: invalid pin", core.ErrConfig)
)

// DefaultChip is the chip assumed when a description has no "chip:" prefix
const DefaultChip = "mcu"

// Chip is anything pins can live on
type Chip interface {
	Name() string
}

// PinParams is a resolved pin
type PinParams struct {
	Chip      Chip
	ChipName  string
	Pin       string
	ShareType string
	Invert    bool
	Pullup    bool
}

// Registry maps chip names to chips and records active pins
type Registry struct {
	mu     sync.Mutex
	chips  map[string]Chip
	active map[string]*PinParams
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		chips:  make(map[string]Chip),
		active: make(map[string]*PinParams),
	}
}

// RegisterChip makes pins of chip addressable as "name:pin"
func (r *Registry) RegisterChip(name string, chip Chip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = strings.TrimSpace(name)
	if _, exists := r.chips[name]; exists {
		return core.ConfigErrorf("pins", "duplicate chip name %q", name)
	}
	r.chips[name] = chip
	return nil
}

// Chip returns a registered chip by name
func (r *Registry) Chip(name string) (Chip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chip, ok := r.chips[name]
	return chip, ok
}

// LookupPin resolves desc. A pin may be looked up again only when both
// lookups pass the same non-empty shareType; the second caller then gets
// the same PinParams.
func (r *Registry) LookupPin(desc, shareType string) (*PinParams, error) {
	params, err := parse(desc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	chip, ok := r.chips[params.ChipName]
	if !ok {
		return nil, fmt.Errorf("%w %q in %q", ErrUnknownChip, params.ChipName, desc)
	}
	params.Chip = chip
	params.ShareType = shareType

	key := params.ChipName + ":" + params.Pin
	if existing, ok := r.active[key]; ok {
		if shareType == "" || existing.ShareType != shareType {
			return nil, fmt.Errorf("%w: %s", ErrPinInUse, key)
		}
		if existing.Invert != params.Invert || existing.Pullup != params.Pullup {
			return nil, fmt.Errorf("%w: %s shared with different modifiers", ErrPinInUse, key)
		}
		return existing, nil
	}
	r.active[key] = params
	return params, nil
}

func parse(desc string) (*PinParams, error) {
	p := &PinParams{}
	s := strings.TrimSpace(desc)
	for len(s) > 0 && (s[0] == '!' || s[0] == '^') {
		if s[0] == '!' {
			p.Invert = true
		} else {
			p.Pullup = true
		}
		s = strings.TrimSpace(s[1:])
	}
	p.ChipName = DefaultChip
	if chip, pin, ok := strings.Cut(s, ":"); ok {
		p.ChipName = strings.TrimSpace(chip)
		s = pin
	}
	p.Pin = strings.TrimSpace(s)
	if p.Pin == "" || p.ChipName == "" || strings.ContainsAny(p.Pin, " \t:") {
		return nil, fmt.Errorf("%w %q", ErrBadPin, desc)
	}
	return p, nil
}
