package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_BrainPrefix(t *testing.T) {
	for _, topic := range []string{TopicBrainStarting, TopicBrainReady, TopicBrainExited, TopicBrainStopped, TopicBrainReloaded} {
		if !strings.HasPrefix(topic, "brain.") {
			t.Errorf("topic %q should share the brain. prefix", topic)
		}
	}
}

func TestTopics_BrainSubscriberSeesExit(t *testing.T) {
	b := New()
	sub := b.Subscribe("brain.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicAgentAction, "ignored")
	b.Publish(TopicBrainExited, BrainExit{PID: 7, Code: 1, WasReady: true})

	select {
	case ev := <-sub.Ch():
		exit, ok := ev.Payload.(BrainExit)
		if !ok || exit.PID != 7 || !exit.WasReady {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for brain exit event")
	}
}
