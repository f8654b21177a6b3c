package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cortexuvula/notesync/internal/config"
	"github.com/cortexuvula/notesync/internal/logging"
	"github.com/cortexuvula/notesync/internal/metrics"
	"github.com/cortexuvula/notesync/internal/notify"
	"github.com/cortexuvula/notesync/internal/roomsync"
)

type watchOptions struct {
	Room          string
	Purpose       string
	MetricsListen string // empty disables the metrics listener
	In            io.Reader
	Out           io.Writer
	Err           io.Writer
}

// syncWriter serialises writes from the channel loop and the command loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// runWatch joins one room, prints remote content as it arrives and turns
// each stdin line into a local edit. "/reconnect" probes and reconnects,
// "/state" prints a snapshot, "/quit" or EOF leaves.
func runWatch(ctx context.Context, cfg *config.Config, opts watchOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &syncWriter{w: opts.Out}
	errOut := &syncWriter{w: opts.Err}

	lj := logging.Setup(cfg.Logging, errOut)
	if lj != nil {
		defer lj.Close()
	}

	purpose, err := roomsync.ParsePurpose(opts.Purpose)
	if err != nil {
		return err
	}

	syncOpts, err := roomsync.OptionsFromConfig(cfg.Sync)
	if err != nil {
		return fmt.Errorf("sync options: %w", err)
	}
	if opts.MetricsListen != "" {
		m, srv, addr, err := startMetricsServer(opts.MetricsListen)
		if err != nil {
			return err
		}
		defer srv.Close()
		syncOpts.Metrics = m
		slog.Info("client metrics listening", "url", "http://"+addr+"/metrics")
	}
	ring := notify.NewRing(100)
	syncOpts.Sink = notify.Multi(notify.LogSink{}, ring, notify.SinkFunc(func(n notify.Notification) {
		fmt.Fprintf(errOut, "! %s: %s\n", n.Kind, n.Message)
	}))

	reg, err := roomsync.NewRegistry(syncOpts)
	if err != nil {
		return err
	}
	defer reg.Close()

	ch, err := reg.Get(opts.Room, purpose)
	if err != nil {
		return err
	}
	ch.OnContent(func(content string) {
		fmt.Fprintf(out, "%s\n", content)
	})
	ch.OnStateChange(func(st roomsync.ConnectionState) {
		slog.Info("connection state changed", "room", opts.Room, "purpose", string(purpose), "state", st.String())
	})
	if err := ch.Connect(); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(opts.In)
		sc.Buffer(make([]byte, 64*1024), int(cfg.Sync.MaxMessageSize))
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case line, ok := <-lines:
			if !ok {
				done = true
				break
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				done = true
			case "/reconnect":
				if err := ch.Reconnect(ctx); err != nil {
					fmt.Fprintf(errOut, "! reconnect: %v\n", err)
				}
			case "/state":
				printState(out, ch)
			default:
				if err := ch.Edit(line); err != nil {
					return err
				}
			}
		}
	}

	printState(out, ch)
	printNotifications(out, ring.Entries(10, time.Time{}))
	return nil
}

func printState(w io.Writer, ch *roomsync.Channel) {
	st, err := ch.Snapshot()
	if err != nil {
		fmt.Fprintf(w, "state unavailable: %v\n", err)
		return
	}
	fmt.Fprintf(w, "-- %s state=%s retries=%d edit=%s\n", ch.Key(), st.StateName, st.RetryCount, st.EditName)
	if !st.LastUpdateAt.IsZero() {
		fmt.Fprintf(w, "-- last update %s: %q\n", st.LastUpdateAt.Format(time.RFC3339), st.LastContent)
	}
}

func printNotifications(w io.Writer, entries []notify.Notification) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "-- %d recent notifications\n", len(entries))
	for _, n := range entries {
		fmt.Fprintf(w, "   %s %s %s\n", n.Time.Format(time.RFC3339), n.Kind, n.Message)
	}
}

// startMetricsServer serves the client metrics from their own registry on
// addr and returns the bound address.
func startMetricsServer(addr string) (*metrics.Metrics, *http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, "", fmt.Errorf("metrics listener: %w", err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return m, srv, ln.Addr().String(), nil
}
