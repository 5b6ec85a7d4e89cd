package saver

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bsaverbot/saver/generic"
)

var (
	ErrDuplicateBackend = errors.New("duplicate backend name")
	ErrInvalidBackend   = errors.New("invalid backend")
	ErrOverlappingClaim = errors.New("claim already registered by another backend")
	ErrUnknownBackend   = errors.New("unknown backend")
)

var (
	PriorityHighest int16 = math.MinInt16
	PriorityDefault int16 = 0
	PriorityLowest  int16 = math.MaxInt16
)

// A Descriptor advertises a backend: the substrings of links it claims, and how to construct it.
type Descriptor struct {
	Name   string
	Claims []string
	New    Constructor
	// Priority of the descriptor, lower (including negative) means matching earlier. Descriptors with equal priority
	// match in registration order.
	Priority int16
}

// claims returns true if any claim is a substring of link.
func (d *Descriptor) claims(link string) bool {
	for _, claim := range d.Claims {
		if strings.Contains(link, claim) {
			return true
		}
	}
	return false
}

// A Match is the result of a Descriptor claiming a link.
type Match struct {
	BackendName string
	Backend     Backend
}

// A Registry is an ordered collection of Descriptor instances used to route links to backends.
//
// Routing is plain substring containment against the raw link, first match wins. A link that happens to contain
// another backend's claim (e.g. "instagram" in a YouTube query string) goes to whichever backend is earlier in the
// order, so the order is explicit configuration (see Reorder).
type Registry struct {
	descriptors   []*Descriptor
	descriptorMap map[string]*Descriptor
}

// Add registers a Descriptor. Name, Claims and New must be set, Name must be unique, and no claim may be identical to
// a claim of another registered descriptor.
func (r *Registry) Add(d Descriptor) error {
	if r.descriptorMap == nil {
		r.descriptorMap = make(map[string]*Descriptor)
	}
	if d.Name == "" || d.New == nil {
		return ErrInvalidBackend
	}
	if err := validateClaims(d.Claims); err != nil {
		return err
	}
	if _, ok := r.descriptorMap[d.Name]; ok {
		return ErrDuplicateBackend
	}
	claims := generic.NewSet(d.Claims...)
	for _, other := range r.descriptors {
		for _, claim := range other.Claims {
			if claims.Contains(claim) {
				return fmt.Errorf("%w: %q is claimed by %v", ErrOverlappingClaim, claim, other.Name)
			}
		}
	}
	d.Claims = append([]string(nil), d.Claims...)
	r.descriptorMap[d.Name] = &d
	r.descriptors = append(r.descriptors, r.descriptorMap[d.Name])
	r.sortByPriority()
	return nil
}

// SetClaims replaces the claims of a named backend, subject to the same rules as Add.
func (r *Registry) SetClaims(name string, claims []string) error {
	return r.ReplaceClaims(map[string][]string{name: claims})
}

// ReplaceClaims replaces the claims of several backends at once. The result is checked as a whole, so claims can move
// between backends, and nothing changes unless every backend's new claims are valid.
func (r *Registry) ReplaceClaims(replace map[string][]string) error {
	for name := range replace {
		if _, ok := r.descriptorMap[name]; !ok {
			return fmt.Errorf("%w: %v", ErrUnknownBackend, name)
		}
	}
	owners := make(map[string]string)
	for _, d := range r.descriptors {
		claims, ok := replace[d.Name]
		if !ok {
			claims = d.Claims
		} else if err := validateClaims(claims); err != nil {
			return fmt.Errorf("%v: %w", d.Name, err)
		}
		for _, claim := range claims {
			if owner, ok := owners[claim]; ok && owner != d.Name {
				return fmt.Errorf("%w: %q is claimed by %v and %v", ErrOverlappingClaim, claim, owner, d.Name)
			}
			owners[claim] = d.Name
		}
	}
	for name, claims := range replace {
		r.descriptorMap[name].Claims = append([]string(nil), claims...)
	}
	return nil
}

// Reorder makes the named backends match first, in the given order. Backends not named keep their relative order
// after them.
func (r *Registry) Reorder(names []string) error {
	if err := r.checkKnown(names); err != nil {
		return err
	}
	named := generic.NewSet(names...)
	for _, d := range r.descriptors {
		if !named.Contains(d.Name) {
			d.Priority = PriorityLowest
		}
	}
	for i, name := range names {
		r.descriptorMap[name].Priority = PriorityHighest + int16(i)
	}
	r.sortByPriority()
	return nil
}

// List returns the names of registered backends in match order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		names = append(names, d.Name)
	}
	return names
}

// Resolve finds the first backend claiming env.Link and constructs it, or returns ErrUnsupportedOrigin.
func (r *Registry) Resolve(env BackendEnv) (*Match, error) {
	for _, d := range r.descriptors {
		if d.claims(env.Link) {
			return r.construct(d, env)
		}
	}
	return nil, ErrUnsupportedOrigin
}

// MatchWith resolves env.Link against a specific backend only.
func (r *Registry) MatchWith(name string, env BackendEnv) (*Match, error) {
	if d, ok := r.descriptorMap[name]; !ok {
		return nil, ErrUnknownBackend
	} else if !d.claims(env.Link) {
		return nil, ErrUnsupportedOrigin
	} else {
		return r.construct(d, env)
	}
}

func (r *Registry) checkKnown(names []string) error {
	for _, name := range names {
		if _, ok := r.descriptorMap[name]; !ok {
			return fmt.Errorf("%w: %v", ErrUnknownBackend, name)
		}
	}
	return nil
}

// validateClaims rejects an empty claim list and empty claims. An empty string is contained in every link, so it
// would make the backend claim everything.
func validateClaims(claims []string) error {
	if len(claims) == 0 {
		return fmt.Errorf("%w: no claims", ErrInvalidBackend)
	}
	for _, claim := range claims {
		if claim == "" {
			return fmt.Errorf("%w: empty claim", ErrInvalidBackend)
		}
	}
	return nil
}

func (r *Registry) construct(d *Descriptor, env BackendEnv) (*Match, error) {
	backend, err := d.New(env)
	if err != nil {
		return nil, fmt.Errorf("failed to construct backend %v: %w", d.Name, err)
	}
	return &Match{BackendName: d.Name, Backend: backend}, nil
}

// MustAdd wraps Add but panics if there is an error.
func (r *Registry) MustAdd(d Descriptor) {
	generic.Unwrap_(r.Add(d))
}

func (r *Registry) sortByPriority() {
	sort.SliceStable(r.descriptors, func(i, j int) bool {
		return r.descriptors[i].Priority < r.descriptors[j].Priority
	})
}
