package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, TopicSignals, 8)

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(TopicSignals, i)
	}

	for i := 0; i < n; i++ {
		select {
		case msg := <-ch:
			got, ok := msg.Payload.(int)
			if !ok {
				t.Fatalf("unexpected payload type: %T", msg.Payload)
			}
			if got != i {
				t.Fatalf("out of order: want %d got %d", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestPublishNonBlockingWithSlowSubscriber(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 出口缓冲 1，订阅者不消费
	ch := b.Subscribe(ctx, TopicDecisions, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(TopicDecisions, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked by slow subscriber")
	}

	// 事后消费仍能按序拿到全部消息
	for i := 0; i < 1000; i++ {
		select {
		case msg := <-ch:
			if msg.Payload.(int) != i {
				t.Fatalf("want %d got %v", i, msg.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout draining message %d", i)
		}
	}
}

func TestLateSubscriberMissesEarlierMessages(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Publish(TopicAlerts, "before")

	ch := b.Subscribe(ctx, TopicAlerts, 4)
	b.Publish(TopicAlerts, "after")

	select {
	case msg := <-ch:
		if msg.Payload.(string) != "after" {
			t.Fatalf("late subscriber got replayed message: %v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := b.Subscribe(ctx, TopicFills, 4)
	c := b.Subscribe(ctx, TopicFills, 4)

	b.Publish(TopicFills, "x")

	for i, ch := range []<-chan Message{a, c} {
		select {
		case msg := <-ch:
			if msg.Payload.(string) != "x" {
				t.Fatalf("subscriber %d got %v", i, msg.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d did not receive", i)
		}
	}
}

func TestSubscriptionClosesOnContextCancel(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx, TopicSignals, 4)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// 可能先排空了在途消息，继续等关闭
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New()
	ctx := context.Background()
	ch := b.Subscribe(ctx, TopicSignals, 4)
	b.Close()

	b.Publish(TopicSignals, "dropped")

	select {
	case msg, ok := <-ch:
		if ok {
			t.Fatalf("received message after close: %v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after bus close")
	}
}
