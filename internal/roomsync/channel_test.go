package roomsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cortexuvula/notesync/internal/notify"
	"github.com/cortexuvula/notesync/internal/probe"
	"github.com/cortexuvula/notesync/internal/protocol"
)

func TestConnectOpensAndPings(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	_, conn := openChannel(t, r, d, "room 1")

	select {
	case frame := <-conn.writes:
		msg, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if _, ok := msg.(protocol.Ping); !ok {
			t.Errorf("first frame = %T, want protocol.Ping", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no ping after open")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if want := "ws://sync.test/notes?room=room+1"; d.urls[0] != want {
		t.Errorf("url = %q, want %q", d.urls[0], want)
	}
	if got := d.header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", got)
	}
}

func TestConnectIsNoOpWhileOpen(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	ch, _ := openChannel(t, r, d, "room")

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	snapshot(t, ch) // flush the loop
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestDebounceSendsNewestEditOnly(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, func(o *Options) { o.DebounceWindow = 50 * time.Millisecond })
	ch, conn := openChannel(t, r, d, "room")

	for _, s := range []string{"h", "he", "hel", "hell", "hello"} {
		if err := ch.Edit(s); err != nil {
			t.Fatalf("Edit: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if u := conn.nextUpdate(t); u.Content != "hello" {
		t.Errorf("sent %q, want hello", u.Content)
	}
	conn.assertNoUpdate(t, 100*time.Millisecond)

	st := snapshot(t, ch)
	if st.Edit != EditSentAwaitingEcho {
		t.Errorf("edit = %s, want sent_awaiting_echo", st.Edit)
	}
	if st.LastContent != "hello" {
		t.Errorf("LastContent = %q, want hello", st.LastContent)
	}
}

func TestEchoOfOwnUpdateIsSuppressed(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	var mu sync.Mutex
	var applied []string
	ch.OnContent(func(s string) {
		mu.Lock()
		applied = append(applied, s)
		mu.Unlock()
	})

	ch.Edit("mine")
	conn.nextUpdate(t)
	conn.push(t, protocol.NewUpdate("mine", time.Now()))

	waitFor(t, "echo consumed", func() bool { return snapshot(t, ch).Edit == EditIdle })
	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 0 {
		t.Errorf("echo reached the document: %v", applied)
	}
}

func TestPendingEditWinsOverRemoteUpdate(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, func(o *Options) { o.DebounceWindow = 300 * time.Millisecond })
	ch, conn := openChannel(t, r, d, "room")

	ch.Edit("local draft")
	conn.push(t, protocol.NewUpdate("remote", time.Now()))

	// The inbound frame is handled before the debounce fires.
	time.Sleep(50 * time.Millisecond)
	st := snapshot(t, ch)
	if st.Content != "local draft" {
		t.Errorf("content = %q, want local draft", st.Content)
	}
	if st.Edit != EditPendingSend {
		t.Errorf("edit = %s, want pending_send", st.Edit)
	}

	if u := conn.nextUpdate(t); u.Content != "local draft" {
		t.Errorf("sent %q, want local draft", u.Content)
	}
}

func TestForeignUpdateAfterSendIsApplied(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	ch.Edit("mine")
	conn.nextUpdate(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conn.push(t, protocol.NewUpdate("theirs", ts))

	waitFor(t, "remote content", func() bool { return snapshot(t, ch).Content == "theirs" })
	st := snapshot(t, ch)
	if st.Edit != EditIdle {
		t.Errorf("edit = %s, want idle", st.Edit)
	}
	if !st.LastUpdateAt.Equal(ts) {
		t.Errorf("LastUpdateAt = %v, want %v", st.LastUpdateAt, ts)
	}
}

func TestRemoteUpdateWhileIdleIsApplied(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	got := make(chan string, 1)
	ch.OnContent(func(s string) { got <- s })
	conn.push(t, protocol.NewUpdate("from peer", time.Now()))

	select {
	case s := <-got:
		if s != "from peer" {
			t.Errorf("OnContent(%q), want from peer", s)
		}
	case <-time.After(time.Second):
		t.Fatal("OnContent not called")
	}
}

func TestInitialReplacesContent(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	conn.push(t, protocol.NewInitial("stored notes", time.Now()))
	waitFor(t, "initial applied", func() bool { return snapshot(t, ch).Content == "stored notes" })
	conn.assertNoUpdate(t, 50*time.Millisecond)
}

func TestEmptyInitialSeedsLocalBuffer(t *testing.T) {
	d := newFakeDialer()
	r, ring := newTestRegistry(t, d, nil)
	ch, err := r.Get("room", PurposeNotes)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Typed while offline: the edit is lost but stays in the buffer.
	ch.Edit("offline draft")
	waitFor(t, "lost edit", func() bool { return ring.Count(notify.KindLostEdit) == 1 })

	ch.Connect()
	conn := d.next(t)
	waitState(t, ch, StateOpen)
	conn.push(t, protocol.NewInitial("", time.Now()))

	if u := conn.nextUpdate(t); u.Content != "offline draft" {
		t.Errorf("seeded %q, want offline draft", u.Content)
	}
	st := snapshot(t, ch)
	if st.Content != "offline draft" {
		t.Errorf("content = %q, want offline draft", st.Content)
	}
	if st.Edit != EditSentAwaitingEcho {
		t.Errorf("edit = %s, want sent_awaiting_echo", st.Edit)
	}
}

func TestEmptyInitialWithEmptyBufferDoesNotSeed(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	_, conn := openChannel(t, r, d, "room")

	conn.push(t, protocol.NewInitial("", time.Now()))
	conn.assertNoUpdate(t, 60*time.Millisecond)
}

func TestEditWhileDisconnectedIsReportedLost(t *testing.T) {
	d := newFakeDialer()
	r, ring := newTestRegistry(t, d, nil)
	ch, err := r.Get("room", PurposeNotes)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	ch.Edit("gone")
	waitFor(t, "lost edit", func() bool { return ring.Count(notify.KindLostEdit) == 1 })

	st := snapshot(t, ch)
	if st.Edit != EditIdle {
		t.Errorf("edit = %s, want idle", st.Edit)
	}
	entries := ring.Entries(1, time.Time{}, notify.KindLostEdit)
	if entries[0].Room != "room" || entries[0].Purpose != "notes" {
		t.Errorf("notification = %+v", entries[0])
	}
}

func TestMalformedFrameNotifiesProtocolError(t *testing.T) {
	d := newFakeDialer()
	r, ring := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	conn.in <- []byte(`{"type":"bogus"}`)
	conn.in <- []byte(`not json`)
	waitFor(t, "protocol errors", func() bool { return ring.Count(notify.KindProtocol) == 2 })

	if st := snapshot(t, ch); st.State != StateOpen {
		t.Errorf("state = %s, want open", st.State)
	}
}

func TestServerErrorFrameNotifies(t *testing.T) {
	d := newFakeDialer()
	r, ring := newTestRegistry(t, d, nil)
	_, conn := openChannel(t, r, d, "room")

	conn.push(t, protocol.NewError("room is read-only", time.Now()))
	waitFor(t, "server error", func() bool { return ring.Count(notify.KindServerError) == 1 })

	if e := ring.Entries(1, time.Time{}, notify.KindServerError)[0]; e.Message != "room is read-only" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, func(o *Options) { o.ReconnectDelay = 150 * time.Millisecond })
	ch, conn := openChannel(t, r, d, "room")

	conn.serverClose(1001)
	st := waitState(t, ch, StateReconnecting)
	if st.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", st.RetryCount)
	}

	d.next(t)
	st = waitState(t, ch, StateOpen)
	if st.RetryCount != 0 {
		t.Errorf("RetryCount after open = %d, want 0", st.RetryCount)
	}
}

func TestNormalServerCloseDoesNotReconnect(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	conn.serverClose(protocol.CloseIntentional)
	waitState(t, ch, StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestDisconnectClosesNormally(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitState(t, ch, StateDisconnected)
	if code := conn.code(); code != protocol.CloseIntentional {
		t.Errorf("close code = %d, want 1000", code)
	}
	time.Sleep(50 * time.Millisecond)
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestRetriesExhaustedFailsOnce(t *testing.T) {
	d := newFakeDialer()
	d.setFail(errors.New("503 Service Unavailable"))
	r, ring := newTestRegistry(t, d, func(o *Options) { o.MaxRetries = 3 })

	ch, err := r.Open("room", PurposeNotes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := waitState(t, ch, StateFailed)
	time.Sleep(50 * time.Millisecond)

	if n := d.dials.Load(); n != 4 {
		t.Errorf("dials = %d, want 4 (initial + 3 retries)", n)
	}
	if st.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", st.RetryCount)
	}
	if n := ring.Count(notify.KindCapacity); n != 1 {
		t.Errorf("capacity notifications = %d, want 1", n)
	}
	if n := ring.Count(notify.KindTransport); n != 4 {
		t.Errorf("transport notifications = %d, want 4", n)
	}
}

func TestConnectRearmsFailedChannel(t *testing.T) {
	d := newFakeDialer()
	d.setFail(errors.New("refused"))
	r, _ := newTestRegistry(t, d, func(o *Options) { o.MaxRetries = 1 })

	ch, _ := r.Open("room", PurposeNotes)
	waitState(t, ch, StateFailed)

	d.setFail(nil)
	ch.Connect()
	d.next(t)
	st := waitState(t, ch, StateOpen)
	if st.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", st.RetryCount)
	}
}

func TestZeroRetriesFailsImmediately(t *testing.T) {
	d := newFakeDialer()
	d.setFail(errors.New("refused"))
	r, ring := newTestRegistry(t, d, func(o *Options) { o.MaxRetries = 0 })

	ch, _ := r.Open("room", PurposeNotes)
	waitState(t, ch, StateFailed)
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if n := ring.Count(notify.KindCapacity); n != 1 {
		t.Errorf("capacity notifications = %d, want 1", n)
	}
}

func TestReconnectReportsUnreachableServer(t *testing.T) {
	d := newFakeDialer()
	r, ring := newTestRegistry(t, d, nil)
	ch, err := r.Get("room", PurposeNotes)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	err = ch.Reconnect(context.Background())
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("Reconnect err = %v, want ErrServerUnreachable", err)
	}
	waitFor(t, "unreachable notification", func() bool { return ring.Count(notify.KindUnreachable) == 1 })
	if n := d.dials.Load(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
}

func TestReconnectDialsWhenServerAnswers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := probe.New(srv.URL, "/health", time.Second)
	if err != nil {
		t.Fatalf("probe.New: %v", err)
	}
	d := newFakeDialer()
	d.setFail(errors.New("refused"))
	r, _ := newTestRegistry(t, d, func(o *Options) {
		o.MaxRetries = 0
		o.Probe = p
	})

	ch, _ := r.Open("room", PurposeNotes)
	waitState(t, ch, StateFailed)

	d.setFail(nil)
	if err := ch.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	d.next(t)
	waitState(t, ch, StateOpen)
}

func TestConnectionResetReconnects(t *testing.T) {
	d := newFakeDialer()
	r, ring := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	// A reset connection fails the reader without a close frame.
	conn.CloseNow()
	waitFor(t, "transport error", func() bool { return ring.Count(notify.KindTransport) >= 1 })
	d.next(t)
	waitState(t, ch, StateOpen)
}

func TestSeedDefersToPendingEdit(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, func(o *Options) { o.DebounceWindow = 300 * time.Millisecond })
	ch, conn := openChannel(t, r, d, "room")

	ch.Edit("draft")
	conn.push(t, protocol.NewInitial("", time.Now()))

	// The seed delay passes while the edit is still debouncing.
	time.Sleep(60 * time.Millisecond)
	if st := snapshot(t, ch); st.Edit != EditPendingSend {
		t.Fatalf("edit = %s after seed delay, want pending_send", st.Edit)
	}

	conn.push(t, protocol.NewUpdate("remote", time.Now()))
	time.Sleep(30 * time.Millisecond)
	if st := snapshot(t, ch); st.Content != "draft" {
		t.Fatalf("content = %q, remote update overwrote the pending edit", st.Content)
	}

	if u := conn.nextUpdate(t); u.Content != "draft" {
		t.Errorf("sent %q, want draft", u.Content)
	}
	conn.assertNoUpdate(t, 50*time.Millisecond)

	conn.push(t, protocol.NewUpdate("draft", time.Now()))
	waitFor(t, "echo consumed", func() bool { return snapshot(t, ch).Edit == EditIdle })
	if st := snapshot(t, ch); st.Content != "draft" {
		t.Errorf("content = %q, want draft", st.Content)
	}
}

func TestEditWhileReconnectingIsReportedLost(t *testing.T) {
	d := newFakeDialer()
	r, ring := newTestRegistry(t, d, func(o *Options) { o.ReconnectDelay = 300 * time.Millisecond })
	ch, conn := openChannel(t, r, d, "room")

	conn.serverClose(protocol.CloseAbnormal)
	waitState(t, ch, StateReconnecting)

	ch.Edit("typed during outage")
	waitFor(t, "lost edit", func() bool { return ring.Count(notify.KindLostEdit) == 1 })

	st := snapshot(t, ch)
	if st.State != StateReconnecting {
		t.Errorf("state = %s, want reconnecting", st.State)
	}
	if st.Edit != EditIdle {
		t.Errorf("edit = %s, want idle", st.Edit)
	}

	next := d.next(t)
	waitState(t, ch, StateOpen)
	next.assertNoUpdate(t, 50*time.Millisecond)
	if n := ring.Count(notify.KindLostEdit); n != 1 {
		t.Errorf("lost edit notifications = %d, want 1", n)
	}
}

func TestWriteFailureReportedOnce(t *testing.T) {
	d := newFakeDialer()
	r, ring := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	conn.failWrites(errors.New("broken pipe"))
	ch.Edit("doomed")

	d.next(t)
	waitState(t, ch, StateOpen)
	time.Sleep(20 * time.Millisecond)
	if n := ring.Count(notify.KindTransport); n != 1 {
		t.Errorf("transport notifications = %d, want 1", n)
	}
}

func TestHookCanEditFromLoop(t *testing.T) {
	d := newFakeDialer()
	r, _ := newTestRegistry(t, d, nil)
	ch, conn := openChannel(t, r, d, "room")

	ch.OnContent(func(content string) {
		if err := ch.Edit(content + " (ack)"); err != nil {
			t.Errorf("Edit from hook: %v", err)
		}
	})
	conn.push(t, protocol.NewUpdate("peer line", time.Now()))

	if u := conn.nextUpdate(t); u.Content != "peer line (ack)" {
		t.Errorf("sent %q, want peer line (ack)", u.Content)
	}
}
