package roomsync

import (
	"time"

	"github.com/cortexuvula/notesync/internal/eventloop"
	"github.com/cortexuvula/notesync/internal/notify"
	"github.com/cortexuvula/notesync/internal/protocol"
)

// Suppressor decides which inbound frames reach the document. Remote
// updates never overwrite a local edit that has not been sent, and the
// server's echo of our own update is swallowed. Runs on the event loop.
type Suppressor struct {
	mgr       *Manager
	doc       *document
	edits     *editTracker
	seedDelay time.Duration
	seedTimer *eventloop.Timer

	onContent func(content string)
}

func newSuppressor(mgr *Manager, doc *document, edits *editTracker) *Suppressor {
	return &Suppressor{
		mgr:       mgr,
		doc:       doc,
		edits:     edits,
		seedDelay: mgr.opts.SeedDelay,
	}
}

func (s *Suppressor) handleFrame(data []byte) {
	m := s.mgr
	msg, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "room", m.room, "error", err)
		s.countFrame("invalid")
		m.notify(notify.KindProtocol, err.Error())
		return
	}

	switch msg := msg.(type) {
	case protocol.Update:
		s.countFrame(protocol.TypeUpdate)
		if !s.edits.admit(msg.Content) {
			m.logger.Debug("update suppressed", "room", m.room, "edit", s.edits.state.String())
			return
		}
		s.apply(msg.Content, msg.Timestamp)
	case protocol.Initial:
		s.countFrame(protocol.TypeInitial)
		s.initial(msg)
	case protocol.Error:
		s.countFrame(protocol.TypeError)
		m.logger.Warn("server error", "room", m.room, "message", msg.Message)
		m.notify(notify.KindServerError, msg.Message)
	case protocol.Pong:
		s.countFrame(protocol.TypePong)
		m.logger.Debug("pong", "room", m.room)
	case protocol.Ping:
		s.countFrame(protocol.TypePing)
		m.logger.Debug("unexpected ping from server", "room", m.room)
	}
}

// initial replaces the document with the room's stored content. An empty
// room does not wipe a non-empty local buffer: the buffer is kept and
// broadcast once after the seed delay so the room picks it up. Two
// clients seeding at the same time race; the last seed wins.
func (s *Suppressor) initial(msg protocol.Initial) {
	if msg.Content == "" && s.doc.content != "" {
		s.doc.settle("", msg.Timestamp)
		s.scheduleSeed()
		return
	}
	s.apply(msg.Content, msg.Timestamp)
}

func (s *Suppressor) scheduleSeed() {
	if s.seedTimer != nil {
		s.seedTimer.Stop()
	}
	s.seedTimer = s.mgr.loop.AfterFunc(s.seedDelay, func() {
		s.seedTimer = nil
		s.seed()
	})
}

func (s *Suppressor) seed() {
	m := s.mgr
	// A debounced edit still waiting will broadcast the newer buffer; sending
	// now would mark it sent and let a remote update overwrite it.
	if s.edits.state == EditPendingSend {
		m.logger.Debug("seed deferred to pending edit", "room", m.room)
		return
	}
	content := s.doc.content
	if m.state != StateOpen || content == "" {
		m.logger.Debug("seed skipped", "room", m.room, "state", m.state.String())
		return
	}
	now := time.Now()
	frame, err := protocol.Encode(protocol.NewUpdate(content, now))
	if err == nil {
		err = m.send(frame)
	}
	if err != nil {
		m.logger.Debug("seed not sent", "room", m.room, "error", err)
		return
	}
	m.logger.Info("seeded empty room with local content", "room", m.room, "bytes", len(content))
	s.edits.sent(content)
	s.doc.settle(content, now)
}

func (s *Suppressor) apply(content string, at time.Time) {
	s.doc.content = content
	s.doc.settle(content, at)
	if s.onContent != nil {
		s.onContent(content)
	}
}

func (s *Suppressor) cancel() {
	if s.seedTimer != nil {
		s.seedTimer.Stop()
		s.seedTimer = nil
	}
}

func (s *Suppressor) countFrame(typ protocol.Type) {
	if s.mgr.opts.Metrics != nil {
		s.mgr.opts.Metrics.FramesTotal.WithLabelValues("in", string(typ)).Inc()
	}
}
