package bus

import (
	"testing"
	"time"
)

func TestPublish_DeliversToMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(Event{Topic: TopicTaskStateChanged, Payload: TaskStateChangedEvent{TaskID: "t1", To: "processing"}})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskStateChanged {
			t.Fatalf("expected topic %s, got %s", TopicTaskStateChanged, ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event to be delivered")
	}
}

func TestPublish_SkipsNonMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("alert")
	defer b.Unsubscribe(sub)

	b.Publish(Event{Topic: TopicTaskStateChanged, Payload: TaskStateChangedEvent{TaskID: "t1", To: "processing"}})

	select {
	case ev := <-sub.Ch():
		t.Fatalf("expected no delivery, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_EmptyPrefixMatchesEverything(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(Event{Topic: TopicAlert, Payload: AlertEvent{Severity: "critical", Message: "disk full"}})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicAlert {
			t.Fatalf("expected %s, got %s", TopicAlert, ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event to be delivered to the wildcard subscriber")
	}
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(Event{Topic: TopicAlert})
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Fatalf("expected exactly %d buffered events, got %d", defaultBufferSize, count)
			}
			return
		}
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected the channel to be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestSubscriberCount_TracksActiveSubscriptions(t *testing.T) {
	b := New()
	if b.SubscriberCount() != 0 {
		t.Fatal("expected a fresh bus to have no subscribers")
	}
	a := b.Subscribe("task.")
	_ = b.Subscribe("alert")
	if b.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.SubscriberCount())
	}
	b.Unsubscribe(a)
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.SubscriberCount())
	}
}
