package outbox

import (
	"sync"
	"time"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// View is one user's rendered message list for one conversation: the
// authoritative log followed by that user's unacknowledged placeholders.
type View struct {
	mu            sync.Mutex
	authoritative []model.Message
	entries       []*entry
	changed       chan struct{}

	// guarded by Pipeline.mu
	viewers int
}

// entry is a local send that has not finished persisting, or has finished
// but is not yet part of an applied snapshot.
type entry struct {
	msg model.Message

	// logged is set while the last applied snapshot contains the message.
	logged bool
}

func newView() *View {
	return &View{changed: make(chan struct{})}
}

// Changed returns a channel closed at the next change to the view's
// placeholders. Call it again after every wake-up.
func (v *View) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}

// Apply replaces the authoritative list with snapshot. A placeholder
// found in snapshot is dropped once it has been fully persisted; until
// then its status is shown on the authoritative copy.
func (v *View) Apply(snapshot []model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.authoritative = append(v.authoritative[:0:0], snapshot...)
	inLog := make(map[string]bool, len(snapshot))
	for _, m := range snapshot {
		inLog[m.ClientID] = true
	}
	for _, e := range v.entries {
		e.logged = inLog[e.msg.ClientID]
	}
	v.dropLocked(func(e *entry) bool { return e.logged && e.msg.Status == model.StatusSent })
}

// Render returns the list to display.
func (v *View) Render() []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	overlay := make(map[string]*entry)
	for _, e := range v.entries {
		if e.logged {
			overlay[e.msg.ClientID] = e
		}
	}

	out := make([]model.Message, 0, len(v.authoritative)+len(v.entries))
	for _, m := range v.authoritative {
		if e, ok := overlay[m.ClientID]; ok {
			m.Status = e.msg.Status
			m.Error = e.msg.Error
		}
		out = append(out, m)
	}
	for _, e := range v.entries {
		if !e.logged {
			out = append(out, e.msg)
		}
	}
	return out
}

// Placeholder returns the local entry for clientID, if it is still
// tracked.
func (v *View) Placeholder(clientID string) (model.Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e := v.findLocked(clientID); e != nil {
		return e.msg, true
	}
	return model.Message{}, false
}

func (v *View) add(m model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.findLocked(m.ClientID) != nil {
		return
	}
	v.entries = append(v.entries, &entry{msg: m})
	v.notifyLocked()
}

// update applies fn to the placeholder for clientID. It reports false if
// the placeholder is not tracked.
func (v *View) update(clientID string, fn func(*model.Message)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	e := v.findLocked(clientID)
	if e == nil {
		return false
	}
	fn(&e.msg)
	v.notifyLocked()
	return true
}

// settle records the outcome of persisting clientID. A sent message
// stops being tracked once it is in the log, or at once when nobody is
// viewing the conversation.
func (v *View) settle(clientID string, fn func(*model.Message), watched bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e := v.findLocked(clientID)
	if e == nil {
		return
	}
	fn(&e.msg)
	if e.msg.Status == model.StatusSent && (e.logged || !watched) {
		v.dropLocked(func(x *entry) bool { return x == e })
	}
	v.notifyLocked()
}

func (v *View) remove(clientID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropLocked(func(e *entry) bool { return e.msg.ClientID == clientID })
	v.notifyLocked()
}

// detach forgets the authoritative list after the last viewer left and
// drops everything already persisted.
func (v *View) detach() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.authoritative = nil
	for _, e := range v.entries {
		e.logged = false
	}
	v.dropLocked(func(e *entry) bool { return e.msg.Status == model.StatusSent })
}

// expire drops failed placeholders sent before cutoff.
func (v *View) expire(cutoff time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropLocked(func(e *entry) bool {
		return e.msg.Status == model.StatusFailed && e.msg.SentAt.Before(cutoff)
	})
}

func (v *View) idle() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries) == 0
}

func (v *View) findLocked(clientID string) *entry {
	for _, e := range v.entries {
		if e.msg.ClientID == clientID {
			return e
		}
	}
	return nil
}

func (v *View) dropLocked(drop func(*entry) bool) {
	kept := v.entries[:0]
	for _, e := range v.entries {
		if !drop(e) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(v.entries); i++ {
		v.entries[i] = nil
	}
	v.entries = kept
}

func (v *View) notifyLocked() {
	close(v.changed)
	v.changed = make(chan struct{})
}
