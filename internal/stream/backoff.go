package stream

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential in the attempt number, with
// equal jitter, never above Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// Delay returns the wait before attempt n (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	half := d / 2
	return half + time.Duration(r()*float64(d-half))
}
