package bus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/pkg/sigchan"
)

var busLog = logrus.WithField("component", "bus")

// 主题常量。跨主题没有因果序，关联必须用 request_id，绝不能依赖到达顺序。
const (
	TopicSignals          = "signals"
	TopicSignalsValidated = "signals:validated" // 去重/冲突裁决后的信号，编排器消费
	TopicRiskRequests     = "risk:requests"
	TopicRiskResponses    = "risk:responses"
	TopicDecisions        = "decisions"
	TopicAuditDecisions   = "audit:decisions"
	TopicFills            = "fills"
	TopicOrderEvents      = "orders:events"
	TopicAlerts           = "alerts"
)

// Message 总线消息。Payload 为各主题的领域类型（进程内传递，不做序列化）。
type Message struct {
	Topic       string
	Payload     interface{}
	PublishedAt time.Time
}

// Bus 进程内 topic 发布/订阅总线。
//
// 语义：
//   - Publish 对调用方非阻塞（fire-and-forget）
//   - 每条消息至少一次投递给所有在线订阅者；离线订阅者不补发
//   - 单个发布者在单个主题上的发布顺序对每个订阅者保持 FIFO
//
// 实现：每个订阅者一条无界队列 + 一个泵 goroutine。
// 发布只是在锁内追加切片并发信号，慢消费者只会让自己的队列变长，
// 不会阻塞发布方，也不会丢消息（这是对有界 channel 方案的刻意取舍）。
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

type subscription struct {
	topic string
	out   chan Message

	mu     sync.Mutex
	queue  []Message
	closed bool
	wakeup *sigchan.Chan
	cancel context.CancelFunc
}

// New 创建总线
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Publish 发布消息（非阻塞）。总线关闭后发布被忽略。
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	msg := Message{Topic: topic, Payload: payload, PublishedAt: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		sub.enqueue(msg)
	}
}

// Subscribe 订阅主题，返回只读消息 channel。
// ctx 结束后订阅自动取消，channel 关闭。
// bufferSize 控制出口 channel 的缓冲（队列本身无界）。
func (b *Bus) Subscribe(ctx context.Context, topic string, bufferSize int) <-chan Message {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		topic:  topic,
		out:    make(chan Message, bufferSize),
		wakeup: sigchan.New(1),
		cancel: cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		close(sub.out)
		return sub.out
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go sub.pump(subCtx, b)
	return sub.out
}

// Close 关闭总线，取消所有订阅
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.cancel()
	}
}

func (s *subscription) enqueue(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.wakeup.Emit()
}

// pump 将队列按 FIFO 顺序搬运到出口 channel。
// 这是订阅者消息顺序的唯一来源：单 goroutine 搬运保证了每发布者每主题的 FIFO。
func (s *subscription) pump(ctx context.Context, b *Bus) {
	defer func() {
		s.mu.Lock()
		s.closed = true
		dropped := len(s.queue)
		s.queue = nil
		s.mu.Unlock()
		b.remove(s)
		close(s.out)
		if dropped > 0 {
			busLog.Debugf("subscription on %s closed with %d undelivered messages", s.topic, dropped)
		}
	}()

	for {
		s.mu.Lock()
		var batch []Message
		if len(s.queue) > 0 {
			batch = s.queue
			s.queue = nil
		}
		s.mu.Unlock()

		for _, msg := range batch {
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wakeup.C():
		}
	}
}

func (b *Bus) remove(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
