package engine

import (
	"testing"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

func TestNotifierLatestEmpty(t *testing.T) {
	n := NewNotifier()
	if _, ok := n.Latest(); ok {
		t.Error("empty notifier returned an update")
	}
}

func TestNotifierOverwrites(t *testing.T) {
	n := NewNotifier()
	n.Publish(Update{Handle: "c1", State: telephony.StateRinging})
	n.Publish(Update{Handle: "c1", State: telephony.StateActive})

	u, ok := n.Latest()
	if !ok {
		t.Fatal("no update after publish")
	}
	if u.State != telephony.StateActive {
		t.Errorf("latest state = %s, want active (last writer wins)", u.State)
	}
}

func TestNotifierSingleListener(t *testing.T) {
	n := NewNotifier()

	var first, second []Update
	n.Subscribe(func(u Update) { first = append(first, u) })
	n.Publish(Update{Handle: "c1"})

	// A new subscription replaces the previous listener.
	n.Subscribe(func(u Update) { second = append(second, u) })
	n.Publish(Update{Handle: "c2"})

	if len(first) != 1 || first[0].Handle != "c1" {
		t.Errorf("first listener got %v", first)
	}
	if len(second) != 1 || second[0].Handle != "c2" {
		t.Errorf("second listener got %v", second)
	}
}

func TestNotifierUnsubscribe(t *testing.T) {
	n := NewNotifier()

	var got []Update
	n.Subscribe(func(u Update) { got = append(got, u) })
	n.Unsubscribe()
	n.Publish(Update{Handle: "c1"})

	if len(got) != 0 {
		t.Errorf("unsubscribed listener invoked: %v", got)
	}
	// The slot still retains the update for late readers.
	if u, ok := n.Latest(); !ok || u.Handle != "c1" {
		t.Errorf("latest = (%v, %v), want retained update", u, ok)
	}
}
