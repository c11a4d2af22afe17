// Package tips estimates pipette-tip consumption for a transfer list.
package tips

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Class is a pipette capacity tier. A transfer uses the first class whose
// MaxVolume is at or above the transfer volume.
type Class struct {
	Name      string
	MaxVolume int
}

// DefaultClasses mirrors the p50/p200/p1000 heads of the liquid handler.
func DefaultClasses() []Class {
	return []Class{{Name: "p50", MaxVolume: 50}, {Name: "p200", MaxVolume: 200}, {Name: "p1000", MaxVolume: 1000}}
}

// Transfer is the minimal view of a transfer the estimator needs.
type Transfer interface {
	SourceWell() string
	Volume() int
}

// ErrInvalidPolicy is returned by NewPolicy for unusable breakpoints.
var ErrInvalidPolicy = errors.New("tips: invalid policy")

// Policy combines tier breakpoints with the set of sources whose tip is kept
// and reused for every dispense from that source.
type Policy struct {
	classes  []Class
	reusable map[string]struct{}
}

// NewPolicy validates that classes are named, unique and strictly ascending.
func NewPolicy(classes []Class, reusable []string) (*Policy, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: at least one tip class required", ErrInvalidPolicy)
	}
	seen := make(map[string]struct{}, len(classes))
	out := make([]Class, len(classes))
	for i, c := range classes {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: class[%d] missing name", ErrInvalidPolicy, i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate class %q", ErrInvalidPolicy, name)
		}
		if c.MaxVolume <= 0 {
			return nil, fmt.Errorf("%w: class %q max volume must be positive", ErrInvalidPolicy, name)
		}
		if i > 0 && c.MaxVolume <= out[i-1].MaxVolume {
			return nil, fmt.Errorf("%w: class %q breakpoint %d not above %d", ErrInvalidPolicy, name, c.MaxVolume, out[i-1].MaxVolume)
		}
		seen[name] = struct{}{}
		out[i] = Class{Name: name, MaxVolume: c.MaxVolume}
	}
	set := make(map[string]struct{}, len(reusable))
	for _, w := range reusable {
		if w = strings.TrimSpace(w); w != "" {
			set[w] = struct{}{}
		}
	}
	return &Policy{classes: out, reusable: set}, nil
}

// Classes returns the configured tiers, smallest first.
func (p *Policy) Classes() []Class {
	out := make([]Class, len(p.classes))
	copy(out, p.classes)
	return out
}

// Reusable reports whether the source keeps its tip across transfers.
func (p *Policy) Reusable(well string) bool {
	_, ok := p.reusable[well]
	return ok
}

// ClassFor maps a volume to its tier. Volumes above every breakpoint fall into
// the largest tier.
func (p *Policy) ClassFor(volume int) string {
	for _, c := range p.classes {
		if volume <= c.MaxVolume {
			return c.Name
		}
	}
	return p.classes[len(p.classes)-1].Name
}

// Estimate counts tips for a transfer list. Reusable sources cost one tip per
// (source, class) pair; every other transfer costs a fresh tip. The result
// does not depend on transfer order.
func Estimate[T Transfer](p *Policy, transfers []T) Counts {
	counts := p.Zero()
	shared := make(map[[2]string]struct{})
	for _, t := range transfers {
		class := p.ClassFor(t.Volume())
		if p.Reusable(t.SourceWell()) {
			key := [2]string{t.SourceWell(), class}
			if _, ok := shared[key]; ok {
				continue
			}
			shared[key] = struct{}{}
		}
		counts[class]++
	}
	return counts
}

// Zero returns counts with every class present at 0.
func (p *Policy) Zero() Counts {
	c := make(Counts, len(p.classes))
	for _, cl := range p.classes {
		c[cl.Name] = 0
	}
	return c
}

// Counts maps tip class name to tip count.
type Counts map[string]int

// Add returns the element-wise sum of c and o.
func (c Counts) Add(o Counts) Counts {
	out := make(Counts, len(c)+len(o))
	for k, v := range c {
		out[k] += v
	}
	for k, v := range o {
		out[k] += v
	}
	return out
}

// Total sums every class.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

func (c Counts) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, c[k])
	}
	return strings.Join(parts, " ")
}
