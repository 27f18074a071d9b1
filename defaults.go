package devsync

import "time"

const (
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
	defaultOpTimeout    = 2 * time.Second
	defaultWriteLease   = 30 * time.Second // UpdateIfMatch check through invalidation
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
