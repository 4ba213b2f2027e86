package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fauxgate/fauxgate/internal/config"
	"github.com/fauxgate/fauxgate/internal/metrics"
	"github.com/fauxgate/fauxgate/internal/router"
)

const socketConfig = `
service: chat
provider:
  stage: dev
server:
  pingInterval: 40ms
  idleMultiplier: 2
functions:
  connect:
    handler: src/connect.handler
    timeout: 1
    events:
      - websocket:
          route: $connect
  disconnect:
    handler: src/disconnect.handler
    timeout: 1
    events:
      - websocket:
          route: $disconnect
  send:
    handler: src/send.handler
    timeout: 1
    events:
      - websocket:
          route: sendMessage
  fallback:
    handler: src/fallback.handler
    timeout: 1
    events:
      - websocket:
          route: $default
`

// fakeConn records everything sent and closed on it.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) lastSent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return string(c.sent[len(c.sent)-1])
}

// logBuffer is a goroutine-safe sink for handler console output.
type logBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newSocketManager(t *testing.T, rejectConnect bool) (*ConnManager, string) {
	t.Helper()
	return newSocketManagerLogged(t, rejectConnect, zerolog.Nop())
}

func newSocketManagerLogged(t *testing.T, rejectConnect bool, log zerolog.Logger) (*ConnManager, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte(socketConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	connectStatus := "200"
	if rejectConnect {
		connectStatus = "403"
	}
	writeSource(t, dir, "src/connect.js", `
exports.handler = async () => ({ statusCode: `+connectStatus+` });
`)
	writeSource(t, dir, "src/disconnect.js", `
exports.handler = async () => {
  console.log("disconnect handler ran");
  return { statusCode: 200 };
};
`)
	writeSource(t, dir, "src/send.js", `
exports.handler = async (event) => {
  const msg = JSON.parse(event.body);
  return { statusCode: 200, body: "echo:" + msg.data };
};
`)
	writeSource(t, dir, "src/fallback.js", `
exports.handler = async () => ({ statusCode: 200, body: "fell through" });
`)

	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	table, err := router.Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New(prometheus.NewRegistry())
	gw := New(cfg, table, m, log)
	return NewConnManager(gw, m, log), dir
}

func TestConnectAccepted(t *testing.T) {
	cm, _ := newSocketManager(t, false)
	conn := &fakeConn{}

	id, err := cm.Connect(context.Background(), conn, "10.0.0.1", "wscat")
	if err != nil {
		t.Fatal(err)
	}
	if got := cm.State(id); got != StateOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}
	if cm.Count() != 1 {
		t.Fatalf("count = %d, want 1", cm.Count())
	}
}

func TestConnectRejected(t *testing.T) {
	cm, _ := newSocketManager(t, true)
	conn := &fakeConn{}

	id, err := cm.Connect(context.Background(), conn, "10.0.0.1", "wscat")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if id != "" {
		t.Fatalf("id = %q, want empty", id)
	}
	// A rejected connection is never tracked as open.
	if cm.Count() != 0 {
		t.Fatalf("count = %d, want 0", cm.Count())
	}
}

func TestMessageDispatchAndReply(t *testing.T) {
	cm, _ := newSocketManager(t, false)
	conn := &fakeConn{}
	id, err := cm.Connect(context.Background(), conn, "10.0.0.1", "wscat")
	if err != nil {
		t.Fatal(err)
	}

	if err := cm.Message(context.Background(), id, []byte(`{"action":"sendMessage","data":"hi"}`)); err != nil {
		t.Fatal(err)
	}
	if got := conn.lastSent(); got != "echo:hi" {
		t.Fatalf("reply = %q, want echo:hi", got)
	}
}

func TestMessageFallsBackToDefaultRoute(t *testing.T) {
	cm, _ := newSocketManager(t, false)
	conn := &fakeConn{}
	id, err := cm.Connect(context.Background(), conn, "10.0.0.1", "wscat")
	if err != nil {
		t.Fatal(err)
	}

	// Unknown action and non-JSON payloads both route to $default.
	if err := cm.Message(context.Background(), id, []byte(`{"action":"unknown"}`)); err != nil {
		t.Fatal(err)
	}
	if got := conn.lastSent(); got != "fell through" {
		t.Fatalf("reply = %q", got)
	}
	if err := cm.Message(context.Background(), id, []byte("plain text")); err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	cm, _ := newSocketManager(t, false)
	conn := &fakeConn{}
	id, err := cm.Connect(context.Background(), conn, "10.0.0.1", "wscat")
	if err != nil {
		t.Fatal(err)
	}

	cm.Disconnect(context.Background(), id)
	if !conn.wasClosed() {
		t.Fatal("transport not closed")
	}
	if cm.Count() != 0 {
		t.Fatalf("count = %d, want 0", cm.Count())
	}

	// A second disconnect for the same id is a no-op.
	cm.Disconnect(context.Background(), id)

	if err := cm.Message(context.Background(), id, []byte("{}")); err == nil {
		t.Fatal("message on closed connection did not fail")
	}
}

func TestIdleEviction(t *testing.T) {
	out := &logBuffer{}
	cm, _ := newSocketManagerLogged(t, false, zerolog.New(out))
	conn := &fakeConn{}
	id, err := cm.Connect(context.Background(), conn, "10.0.0.1", "wscat")
	if err != nil {
		t.Fatal(err)
	}

	cm.Start()
	defer cm.Stop()

	// pingInterval 40ms x multiplier 2 = 80ms idle threshold.
	deadline := time.Now().Add(2 * time.Second)
	for cm.Count() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle connection was not evicted")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !conn.wasClosed() {
		t.Fatal("evicted transport not closed")
	}
	if got := cm.State(id); got != StateClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}

	// The read loop reports the closed transport as a disconnect too.
	// Only the eviction may fire the $disconnect handler.
	cm.Disconnect(context.Background(), id)
	if n := strings.Count(out.String(), "disconnect handler ran"); n != 1 {
		t.Fatalf("disconnect handler ran %d times, want 1", n)
	}
}

func TestConcurrentMessageAndDisconnect(t *testing.T) {
	cm, _ := newSocketManager(t, false)

	for i := 0; i < 10; i++ {
		conn := &fakeConn{}
		id, err := cm.Connect(context.Background(), conn, "10.0.0.1", "wscat")
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				cm.Message(context.Background(), id, []byte(`{"action":"sendMessage","data":"x"}`))
			}
		}()
		go func() {
			defer wg.Done()
			cm.Disconnect(context.Background(), id)
		}()
		wg.Wait()

		if err := cm.Message(context.Background(), id, []byte("{}")); err == nil {
			t.Fatal("message on disconnected connection did not fail")
		}
	}
}

func TestTouchDefersEviction(t *testing.T) {
	cm, _ := newSocketManager(t, false)
	conn := &fakeConn{}
	id, err := cm.Connect(context.Background(), conn, "10.0.0.1", "wscat")
	if err != nil {
		t.Fatal(err)
	}

	cm.Start()
	defer cm.Stop()

	// Keep touching past several sweep cycles; the connection must
	// survive while active.
	for i := 0; i < 6; i++ {
		time.Sleep(30 * time.Millisecond)
		cm.Touch(id)
	}
	if cm.Count() != 1 {
		t.Fatal("active connection was evicted")
	}
}
