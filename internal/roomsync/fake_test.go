package roomsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/notesync/internal/notify"
	"github.com/cortexuvula/notesync/internal/probe"
	"github.com/cortexuvula/notesync/internal/protocol"
)

// fakeConn is an in-memory Conn driven by the test as the server side.
type fakeConn struct {
	in     chan []byte
	writes chan []byte

	mu        sync.Mutex
	closed    chan struct{}
	closeErr  error
	closeCode int
	writeErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	werr := c.writeErr
	c.mu.Unlock()
	if werr != nil {
		return werr
	}
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	select {
	case c.writes <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.shut(code, websocket.CloseError{Code: websocket.StatusCode(code), Reason: reason})
	return nil
}

func (c *fakeConn) CloseNow() error {
	c.shut(protocol.CloseAbnormal, errors.New("connection reset"))
	return nil
}

// serverClose closes the conn as if the server sent a close frame.
func (c *fakeConn) serverClose(code int) {
	c.shut(code, websocket.CloseError{Code: websocket.StatusCode(code)})
}

func (c *fakeConn) shut(code int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	c.closeCode = code
	c.closeErr = err
	close(c.closed)
}

// failWrites makes every later Write return err.
func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c.in <- data
}

// nextUpdate returns the next update frame written by the client,
// skipping pings.
func (c *fakeConn) nextUpdate(t *testing.T) protocol.Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-c.writes:
			msg, err := protocol.Decode(frame)
			if err != nil {
				t.Fatalf("client wrote undecodable frame %q: %v", frame, err)
			}
			if u, ok := msg.(protocol.Update); ok {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for update frame")
		}
	}
}

// assertNoUpdate fails if the client writes an update within d.
func (c *fakeConn) assertNoUpdate(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case frame := <-c.writes:
			if msg, err := protocol.Decode(frame); err == nil {
				if u, ok := msg.(protocol.Update); ok {
					t.Fatalf("unexpected update %q", u.Content)
				}
			}
		case <-deadline:
			return
		}
	}
}

type fakeDialer struct {
	conns chan *fakeConn
	dials atomic.Int32

	mu     sync.Mutex
	fail   error
	urls   []string
	header http.Header
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.header = header.Clone()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func testOptions(t *testing.T, d Dialer, sink notify.Sink) Options {
	t.Helper()
	p, err := probe.New("http://127.0.0.1:1", "/health", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("probe.New: %v", err)
	}
	return Options{
		ServerURL:      "http://sync.test",
		AuthToken:      "secret",
		DebounceWindow: 20 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     5,
		SeedDelay:      10 * time.Millisecond,
		DialTimeout:    time.Second,
		WriteTimeout:   time.Second,
		Dialer:         d,
		Sink:           sink,
		Probe:          p,
	}
}

func newTestRegistry(t *testing.T, d Dialer, mutate func(*Options)) (*Registry, *notify.Ring) {
	t.Helper()
	ring := notify.NewRing(100)
	opts := testOptions(t, d, ring)
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(r.Close)
	return r, ring
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func snapshot(t *testing.T, c *Channel) ChannelState {
	t.Helper()
	st, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return st
}

func waitState(t *testing.T, c *Channel, want ConnectionState) ChannelState {
	t.Helper()
	var st ChannelState
	waitFor(t, "state "+want.String(), func() bool {
		st = snapshot(t, c)
		return st.State == want
	})
	return st
}

// openChannel returns a channel that is Open on a fresh fake conn.
func openChannel(t *testing.T, r *Registry, d *fakeDialer, room string) (*Channel, *fakeConn) {
	t.Helper()
	ch, err := r.Open(room, PurposeNotes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := d.next(t)
	waitState(t, ch, StateOpen)
	return ch, conn
}
