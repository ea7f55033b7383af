// Package vclock implements vector clocks for tracking causal order of
// replicated state across independently-failing nodes. A clock maps node
// identifiers to monotonically non-decreasing counters; comparing two
// clocks tells you whether one version causally precedes the other or
// whether the versions are concurrent.
package vclock

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal means both clocks carry identical counters.
	Equal Ordering = iota
	// Before means the receiver causally precedes the other clock.
	Before
	// After means the receiver causally follows (dominates) the other clock.
	After
	// Concurrent means neither clock dominates; the versions diverged.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Clock maps node IDs to per-node write counters. The zero value is not
// usable; construct with New or as a map literal.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Tick increments the counter for the given node, registering one local write.
func (c Clock) Tick(node string) {
	c[node]++
}

// Counter returns the counter for the given node, zero if absent.
func (c Clock) Counter(node string) uint64 {
	return c[node]
}

// Clone returns an independent copy of the clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for node, n := range c {
		out[node] = n
	}
	return out
}

// Compare determines the causal relationship between c and other. A missing
// entry is treated as zero.
func (c Clock) Compare(other Clock) Ordering {
	var less, greater bool
	for node, n := range c {
		if on := other[node]; n > on {
			greater = true
		} else if n < on {
			less = true
		}
	}
	for node, on := range other {
		if n := c[node]; n < on {
			less = true
		} else if n > on {
			greater = true
		}
	}
	switch {
	case greater && less:
		return Concurrent
	case greater:
		return After
	case less:
		return Before
	default:
		return Equal
	}
}

// Dominates reports whether c is component-wise >= other with at least one
// coordinate strictly greater.
func (c Clock) Dominates(other Clock) bool {
	return c.Compare(other) == After
}

// Merge returns the component-wise maximum of a and b over the union of
// node IDs present in either. The result dominates (or equals) both inputs;
// the operation is commutative and idempotent, so repeated out-of-order
// reconciliation converges.
func Merge(a, b Clock) Clock {
	out := make(Clock, len(a)+len(b))
	for node, n := range a {
		out[node] = n
	}
	for node, n := range b {
		if n > out[node] {
			out[node] = n
		}
	}
	return out
}

// Equal reports whether both clocks carry identical counters.
func (c Clock) Equal(other Clock) bool {
	return c.Compare(other) == Equal
}
