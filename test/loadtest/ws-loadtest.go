// WebSocket load testing tool for the notesync relay.
// Usage: go run test/loadtest/ws-loadtest.go -server http://127.0.0.1:8090 -conns 100 -rooms 10 -duration 60s
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/notesync/internal/protocol"
	"github.com/cortexuvula/notesync/internal/roomsync"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:8090", "Relay base URL")
	conns := flag.Int("conns", 10, "Number of concurrent connections")
	rooms := flag.Int("rooms", 2, "Rooms to spread connections over")
	purposeFlag := flag.String("purpose", "notes", "notes or transcript")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	msgInterval := flag.Duration("interval", 1*time.Second, "Update interval per connection")
	token := flag.String("token", "", "Auth token (optional)")
	flag.Parse()

	purpose, err := roomsync.ParsePurpose(*purposeFlag)
	if err != nil {
		log.Fatal(err)
	}
	if *rooms < 1 {
		*rooms = 1
	}

	fmt.Printf("notesync relay load test\n")
	fmt.Printf("  Server:       %s\n", *server)
	fmt.Printf("  Connections:  %d over %d %s rooms\n", *conns, *rooms, purpose)
	fmt.Printf("  Duration:     %s\n", *duration)
	fmt.Printf("  Msg interval: %s\n", *msgInterval)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var (
		connected    atomic.Int64
		sent         atomic.Int64
		received     atomic.Int64
		errors       atomic.Int64
		connectFails atomic.Int64
	)

	var header http.Header
	if *token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + *token}}
	}

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			room := fmt.Sprintf("load-%d", id%*rooms)
			target, err := roomsync.Endpoint(*server, purpose, room)
			if err != nil {
				connectFails.Add(1)
				return
			}
			c, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
			if err != nil {
				connectFails.Add(1)
				return
			}
			connected.Add(1)
			defer c.CloseNow()

			// Read goroutine
			go func() {
				for {
					_, data, err := c.Read(ctx)
					if err != nil {
						return
					}
					if msg, err := protocol.Decode(data); err != nil {
						errors.Add(1)
					} else if _, ok := msg.(protocol.Error); ok {
						errors.Add(1)
					}
					received.Add(1)
				}
			}()

			// Write loop
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			for n := 0; ; n++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					frame, err := protocol.Encode(protocol.NewUpdate(fmt.Sprintf("conn %d edit %d", id, n), time.Now()))
					if err != nil {
						errors.Add(1)
						return
					}
					if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
						errors.Add(1)
						return
					}
					sent.Add(1)
				}
			}
		}(i)
	}

	// Progress reporting
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d sent=%d recv=%d errors=%d connect_fails=%d\n",
					elapsed, connected.Load(), sent.Load(), received.Load(), errors.Load(), connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Connected:       %d / %d\n", connected.Load(), *conns)
	fmt.Printf("  Connect fails:   %d\n", connectFails.Load())
	fmt.Printf("  Updates sent:    %d\n", sent.Load())
	fmt.Printf("  Frames recv:     %d\n", received.Load())
	fmt.Printf("  Errors:          %d\n", errors.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Send rate:       %.1f msg/s\n", float64(sent.Load())/elapsed.Seconds())
		fmt.Printf("  Recv rate:       %.1f msg/s\n", float64(received.Load())/elapsed.Seconds())
	}

	if connectFails.Load() > 0 || errors.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
}
