package protocol

// Allocation limits to prevent DoS attacks via malicious length prefixes.
const (
	// DefaultMaxAllocation is the default maximum size of a single string or
	// byte payload (4MB).
	DefaultMaxAllocation = 4 * 1024 * 1024

	// HardMaxAllocation is the absolute ceiling for allocations (16MB).
	// Even if configured higher, allocations are capped at this limit.
	HardMaxAllocation = 16 * 1024 * 1024

	// MaxCollectionCount is the maximum number of items in an array or map.
	MaxCollectionCount = 100_000

	// MaxDepth limits nesting of arrays and maps in message data.
	MaxDepth = 64
)

// Limits configures the binary decoder.
type Limits struct {
	MaxAllocation int
	MaxCollection int
	MaxDepth      int
}

// DefaultLimits returns the default decode limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAllocation: DefaultMaxAllocation,
		MaxCollection: MaxCollectionCount,
		MaxDepth:      MaxDepth,
	}
}

func (l Limits) normalize() Limits {
	if l.MaxAllocation <= 0 {
		l.MaxAllocation = DefaultMaxAllocation
	}
	if l.MaxAllocation > HardMaxAllocation {
		l.MaxAllocation = HardMaxAllocation
	}
	if l.MaxCollection <= 0 {
		l.MaxCollection = MaxCollectionCount
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = MaxDepth
	}
	return l
}

// depthContext tracks the current decoding depth for recursive structures.
type depthContext struct {
	current int
	max     int
}

// enter increments the depth and returns an error if the limit would be exceeded.
// The depth is only incremented on success.
func (dc *depthContext) enter() error {
	if dc.current >= dc.max {
		return ErrMaxDepthExceeded
	}
	dc.current++
	return nil
}

// leave decrements the depth.
func (dc *depthContext) leave() {
	dc.current--
}
