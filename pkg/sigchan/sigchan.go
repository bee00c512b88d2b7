// Package sigchan 提供合并式事件通知：多次 Emit 在被消费前只保留一次
package sigchan

// Chan carries "something happened" without data. Emit never blocks.
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel；size 为可积压的通知数，最小为 1
func New(size int) *Chan {
	if size < 1 {
		size = 1
	}
	return &Chan{c: make(chan struct{}, size)}
}

// Emit 发送一次通知，积压已满时丢弃
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 用于 select
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Drain 丢弃积压的通知，返回丢弃的数量
func (c *Chan) Drain() int {
	n := 0
	for {
		select {
		case <-c.c:
			n++
		default:
			return n
		}
	}
}
