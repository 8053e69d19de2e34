package sigchan

// Chan 是一个非阻塞的信号 channel，
// 用于通知“有事发生”，不传递数据。
type Chan struct {
	c chan struct{}
}

// New 创建新的信号 channel
func New(bufferSize int) *Chan {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发送信号（非阻塞）。channel 已满时直接丢弃：
// 信号只表示“需要醒来看一眼”，合并多次 Emit 是预期行为。
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}
