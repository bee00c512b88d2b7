package sigchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChan_EmitCoalesces(t *testing.T) {
	c := New(0)
	c.Emit()
	c.Emit()
	c.Emit()

	select {
	case <-c.C():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-c.C():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestChan_Drain(t *testing.T) {
	c := New(4)
	for i := 0; i < 6; i++ {
		c.Emit()
	}
	assert.Equal(t, 4, c.Drain())
	assert.Equal(t, 0, c.Drain())
}
