package idgenerator

import "sync/atomic"

// IdGenerator hands out monotonically increasing uint32 client identities.
// Zero is reserved to mean "no client" and is never returned, including
// after the counter wraps.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next identity. It is safe for concurrent use.
func (l *IdGenerator) Id() uint32 {
	for {
		if id := l.id.Add(1); id != 0 {
			return id
		}
	}
}

// Last returns the most recently issued identity, or the start value if none
// has been issued yet.
func (l *IdGenerator) Last() uint32 {
	return l.id.Load()
}
