package roomsync

import (
	"time"

	"github.com/cortexuvula/notesync/internal/eventloop"
	"github.com/cortexuvula/notesync/internal/notify"
	"github.com/cortexuvula/notesync/internal/protocol"
)

// pendingEdit is the newest local edit waiting out its debounce window.
type pendingEdit struct {
	content  string
	queuedAt time.Time
	timer    *eventloop.Timer
}

// Broadcaster debounces local edits: only the newest edit inside a quiet
// window is sent. Runs on the event loop.
type Broadcaster struct {
	mgr    *Manager
	doc    *document
	edits  *editTracker
	window time.Duration

	pending *pendingEdit
}

func newBroadcaster(mgr *Manager, doc *document, edits *editTracker) *Broadcaster {
	return &Broadcaster{
		mgr:    mgr,
		doc:    doc,
		edits:  edits,
		window: mgr.opts.DebounceWindow,
	}
}

// localEdit records an edit and restarts the debounce window.
func (b *Broadcaster) localEdit(content string) {
	b.doc.content = content
	b.edits.begin()
	if b.pending != nil {
		b.pending.timer.Stop()
	}
	p := &pendingEdit{content: content, queuedAt: time.Now()}
	p.timer = b.mgr.loop.AfterFunc(b.window, func() { b.fire(p) })
	b.pending = p
}

func (b *Broadcaster) fire(p *pendingEdit) {
	if b.pending != p {
		return
	}
	b.pending = nil

	m := b.mgr
	if m.state == StateOpen {
		now := time.Now()
		frame, err := protocol.Encode(protocol.NewUpdate(p.content, now))
		if err == nil {
			err = m.send(frame)
		}
		if err == nil {
			b.edits.sent(p.content)
			b.doc.settle(p.content, now)
			b.countFrame()
			return
		}
		m.logger.Warn("edit send failed", "room", m.room, "error", err)
	}

	b.edits.dropped()
	lost := &LostEditError{Room: m.room, Content: p.content, State: m.state}
	m.logger.Warn("edit dropped", "room", m.room, "state", m.state.String(), "bytes", len(p.content))
	if m.opts.Metrics != nil {
		m.opts.Metrics.LostEditsTotal.WithLabelValues(string(m.purpose)).Inc()
	}
	m.notify(notify.KindLostEdit, lost.Error())
}

func (b *Broadcaster) countFrame() {
	if b.mgr.opts.Metrics != nil {
		b.mgr.opts.Metrics.FramesTotal.WithLabelValues("out", string(protocol.TypeUpdate)).Inc()
	}
}

// cancel discards a pending edit without sending it.
func (b *Broadcaster) cancel() {
	if b.pending != nil {
		b.pending.timer.Stop()
		b.pending = nil
	}
	if b.edits.state == EditPendingSend {
		b.edits.dropped()
	}
}
