package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrTooLarge is wrapped by Limit when a payload exceeds its bound.
	ErrTooLarge = errors.New("codec: payload too large")
	// ErrBadLimit is wrapped by Limit.Validate.
	ErrBadLimit = errors.New("codec: inconsistent limit")
)

// Validator is implemented by codecs whose configuration can be checked
// up front. Cache constructors call it.
type Validator interface {
	Validate() error
}

// Limit wraps another codec and bounds payload sizes in both directions:
// MaxEncode keeps oversized state out of the cache (and off device links),
// MaxDecode guards against oversized entries read back from a shared cache.
// A bound <= 0 disables that direction.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxEncode int
	MaxDecode int
}

var (
	_ Codec[struct{}] = Limit[struct{}]{}
	_ Validator       = Limit[struct{}]{}
)

// Validate rejects a Limit that can encode a payload it would refuse to
// decode. Such an entry is cached, fails every read, gets deleted and is
// refilled on the next miss, forever.
func (c Limit[V]) Validate() error {
	if c.Inner == nil {
		return fmt.Errorf("%w: nil inner codec", ErrBadLimit)
	}
	if c.MaxDecode <= 0 {
		return nil
	}
	if c.MaxEncode <= 0 || c.MaxEncode > c.MaxDecode {
		return fmt.Errorf("%w: MaxEncode %d must be in (0, MaxDecode %d]", ErrBadLimit, c.MaxEncode, c.MaxDecode)
	}
	return nil
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, fmt.Errorf("%w: encode %d > %d", ErrTooLarge, len(b), c.MaxEncode)
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("%w: decode %d > %d", ErrTooLarge, len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
