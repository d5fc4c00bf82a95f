package engine

import (
	"sync"

	"github.com/sentinelx/sentinelx/internal/telephony"
)

// Update is one notification published to the presentation layer. It carries
// the full session tuple so consumers re-render from scratch rather than
// diffing individual transitions.
type Update struct {
	Handle        string          `json:"handle"`
	RemoteAddress string          `json:"remote_address"`
	State         telephony.State `json:"state"`
	Verdict       Verdict         `json:"verdict"`
	TrapState     string          `json:"trap_state"`
	Message       string          `json:"message,omitempty"`
}

// Notifier is a single-slot, last-writer-wins notification channel with at
// most one active listener. Publishing overwrites any unconsumed value; if no
// listener is registered at publish time the update is only retained in the
// slot, which is acceptable because the presentation layer re-queries full
// state on becoming visible.
type Notifier struct {
	mu       sync.Mutex
	latest   *Update
	listener func(Update)
}

// NewNotifier creates an empty notification channel.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers the single active listener, replacing any previous one.
func (n *Notifier) Subscribe(fn func(Update)) {
	n.mu.Lock()
	n.listener = fn
	n.mu.Unlock()
}

// Unsubscribe removes the active listener.
func (n *Notifier) Unsubscribe() {
	n.mu.Lock()
	n.listener = nil
	n.mu.Unlock()
}

// Publish stores the update in the slot and invokes the listener if one is
// registered. The listener is called without holding the lock so it may call
// back into the notifier.
func (n *Notifier) Publish(u Update) {
	n.mu.Lock()
	n.latest = &u
	fn := n.listener
	n.mu.Unlock()

	if fn != nil {
		fn(u)
	}
}

// Latest returns the most recently published update, if any.
func (n *Notifier) Latest() (Update, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.latest == nil {
		return Update{}, false
	}
	return *n.latest, true
}
