package sigchan

// Chan is a coalescing, non-blocking notification channel: any number of
// Emit calls between two receives collapse into a single wakeup.
type Chan struct {
	c chan struct{}
}

func New() *Chan {
	return &Chan{c: make(chan struct{}, 1)}
}

// Emit never blocks.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C is used in select statements.
func (c *Chan) C() <-chan struct{} {
	return c.c
}
