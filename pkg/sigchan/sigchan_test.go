package sigchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChan_Coalesces(t *testing.T) {
	c := New()
	c.Emit()
	c.Emit()
	c.Emit()

	n := 0
	for {
		select {
		case <-c.C():
			n++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, n)
}
