package messenger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/messenger/eventloop"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// recordTimers is a Timers implementation that records scheduled timers
// without running them. Tests fire them explicitly.
type recordTimers struct {
	delays  []time.Duration
	pending map[any]func()
}

func (r *recordTimers) After(d time.Duration, key any, f func()) {
	r.delays = append(r.delays, d)
	r.pending[key] = f
}

func (r *recordTimers) Every(d time.Duration, key any, f func()) { r.pending[key] = f }

func (r *recordTimers) Cancel(key any) bool {
	_, ok := r.pending[key]
	delete(r.pending, key)
	return ok
}

// fire runs and removes the timer with the given key.
func (r *recordTimers) fire(t *testing.T, key any) {
	t.Helper()
	f, ok := r.pending[key]
	if !ok {
		t.Fatalf("No timer pending for %v", key)
	}
	delete(r.pending, key)
	f()
}

func newTestMessenger(t *testing.T, opts *Options) (*Messenger, *eventloop.Loop, *recordTimers) {
	t.Helper()
	dir, err := os.MkdirTemp("", "mq")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { loop.Close() })

	var o Options
	if opts != nil {
		o = *opts
	}
	o.WorkDir = dir
	timers := &recordTimers{pending: make(map[any]func())}
	m, err := New(loop, timers, &o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Finalize() })
	return m, loop, timers
}

func TestBackoff(t *testing.T) {
	m, _, timers := newTestMessenger(t, &Options{BackoffUnit: time.Second})

	if err := m.Send("absent", 1, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s := m.send["absent"]
	key := s.retryKey()

	// While a retry is pending, further sends do not trigger connects.
	m.Send("absent", 2, []byte("world"))
	if got := len(timers.delays); got != 1 {
		t.Errorf("Got %d retry timers after two sends, want 1", got)
	}

	for range 6 {
		timers.fire(t, key)
	}
	sec := time.Second
	want := []time.Duration{1 * sec, 2 * sec, 4 * sec, 8 * sec, 16 * sec, 16 * sec, 16 * sec}
	if diff := cmp.Diff(want, timers.delays); diff != "" {
		t.Errorf("Backoff delays (-want, +got):\n%s", diff)
	}
	if got := m.NumberOfQueues(); got.Reconnecting != 1 {
		t.Errorf("NumberOfQueues: got %+v, want 1 reconnecting", got)
	}

	// Once the receiver exists, the next attempt succeeds and resets the count.
	if _, err := m.AddNotifyCallback("absent", func(uint16, []byte) {}); err != nil {
		t.Fatalf("AddNotifyCallback: %v", err)
	}
	timers.fire(t, key)
	if s.fd < 0 {
		t.Fatal("Channel did not connect")
	}
	if s.refused != 0 {
		t.Errorf("Refused count after connect: got %d, want 0", s.refused)
	}
	if got := m.NumberOfQueues(); got.Sending != 1 {
		t.Errorf("NumberOfQueues: got %+v, want 1 sending", got)
	}
	if n := m.metrics.connectRefused.Value(); n != 7 {
		t.Errorf("connect_refused: got %d, want 7", n)
	}
}

func TestStartStop(t *testing.T) {
	m, _, timers := newTestMessenger(t, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := timers.pending[m.agingKey()]; !ok {
		t.Error("Aging timer not scheduled by Start")
	}
	m.Stop()
	if _, ok := timers.pending[m.agingKey()]; ok {
		t.Error("Aging timer still scheduled after Stop")
	}
}

func TestPermanentConnectError(t *testing.T) {
	m, _, _ := newTestMessenger(t, nil)

	// A working directory that is a plain file makes every socket path
	// unreachable, which is not a transient condition.
	file := filepath.Join(m.workDir, "file")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m.workDir = file
	if err := m.Send("svc", 0, nil); !errors.Is(err, unix.ENOTDIR) {
		t.Errorf("Send: got %v, want %v", err, unix.ENOTDIR)
	}
	if _, ok := m.send["svc"]; ok {
		t.Error("Send channel created despite permanent error")
	}
}

func TestHeaderCheck(t *testing.T) {
	tests := []struct {
		h  Header
		ok bool
	}{
		{Header{Kind: Notify, Length: 8}, true},
		{Header{Kind: Reply, Length: 100}, true},
		{Header{Kind: Request, Length: 101}, false},
		{Header{Kind: Notify, Length: 7}, false},
		{Header{Kind: 3, Length: 8}, false},
		{Header{Version: 1, Kind: Notify, Length: 8}, false},
	}
	for _, tc := range tests {
		err := tc.h.check(100)
		if (err == nil) != tc.ok {
			t.Errorf("%v check: got %v, want ok=%v", tc.h, err, tc.ok)
		}
		if err != nil && !errors.Is(err, errProtocol) {
			t.Errorf("%v check: got %v, want %v", tc.h, err, errProtocol)
		}
	}
}

func TestServiceName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"a", true},
		{"echo", true},
		{"0123456789012345678901234567890", true}, // 31 bytes
		{"01234567890123456789012345678901", false},
		{"", false},
		{"a/b", false},
		{"a\x00b", false},
	}
	for _, tc := range tests {
		if err := checkServiceName(tc.name); (err == nil) != tc.ok {
			t.Errorf("checkServiceName(%q): got %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestSocketPath(t *testing.T) {
	m, _, _ := newTestMessenger(t, &Options{Prefix: "test"})
	path, err := m.socketPath("svc")
	if err != nil {
		t.Fatalf("socketPath: %v", err)
	}
	if want := filepath.Join(m.workDir, "test.svc.sock"); path != want {
		t.Errorf("socketPath: got %q, want %q", path, want)
	}

	m.workDir = "/" + strings.Repeat("x", maxSocketPath)
	if _, err := m.socketPath("svc"); err == nil {
		t.Error("socketPath with long directory: got nil, want error")
	}
}

func TestNextChunk(t *testing.T) {
	m, _, _ := newTestMessenger(t, &Options{BackoffUnit: time.Hour})
	m.Send("absent", 0, make([]byte, 12)) // 20 bytes
	m.Send("absent", 0, make([]byte, 2))  // 10 bytes
	m.Send("absent", 0, make([]byte, 22)) // 30 bytes
	s := m.send["absent"]

	tests := []struct {
		off, bucket, want int
	}{
		{0, 100, 60},
		{0, 30, 30},
		{0, 29, 20},
		{0, 1, 20}, // at least one frame
		{20, 10, 10},
		{20, 39, 10},
		{30, 1, 30},
		{60, 100, 0},
	}
	for _, tc := range tests {
		if got := s.nextChunk(tc.off, tc.bucket); got != tc.want {
			t.Errorf("nextChunk(%d, %d): got %d, want %d", tc.off, tc.bucket, got, tc.want)
		}
	}
}

func TestProtocolError(t *testing.T) {
	m, loop, _ := newTestMessenger(t, nil)

	var got []string
	if _, err := m.AddNotifyCallback("svc", func(tag uint16, data []byte) {
		got = append(got, string(data))
	}); err != nil {
		t.Fatalf("AddNotifyCallback: %v", err)
	}
	r := m.recv["svc"]

	fd, err := dialSocket(r.path, false)
	if err != nil {
		t.Fatalf("dialSocket: %v", err)
	}
	defer unix.Close(fd)

	run := func(cond func() bool) {
		t.Helper()
		for i := 0; !cond(); i++ {
			if i > 100 {
				t.Fatal("Condition not reached")
			}
			loop.RunOnce(10 * time.Millisecond)
		}
	}

	// A valid frame is delivered.
	if _, err := unix.Write(fd, Frame{Kind: Notify, Payload: []byte("ok")}.Encode()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	run(func() bool { return len(got) == 1 })

	// A frame with an unknown kind is a protocol error, and the client is
	// disconnected.
	if _, err := unix.Write(fd, []byte("\x00\x09\x00\x00\x00\x00\x00\x08")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	run(func() bool { return len(r.clients) == 0 })
	if n := m.metrics.protocolErrors.Value(); n != 1 {
		t.Errorf("protocol_errors: got %d, want 1", n)
	}
	if r.buf.Len() != 0 {
		t.Errorf("Receive queue holds %d bytes after protocol error", r.buf.Len())
	}
	if diff := cmp.Diff([]string{"ok"}, got); diff != "" {
		t.Errorf("Received (-want, +got):\n%s", diff)
	}
}

func TestClampedConsume(t *testing.T) {
	m, _, _ := newTestMessenger(t, &Options{BackoffUnit: time.Hour})
	m.Send("absent", 0, []byte("x"))
	m.Send("absent", 0, []byte("y"))
	s := m.send["absent"]

	// Overshoot by more than a header past the queued frames.
	s.consume(s.buf.Len() + 3*HeaderLen) // logged, not fatal
	if s.buf.Len() != 0 {
		t.Errorf("Queue holds %d bytes after clamped consume", s.buf.Len())
	}
	if n := m.metrics.framesSent.Value(); n != 2 {
		t.Errorf("frames_sent: got %d, want 2", n)
	}
}

func TestTruncatedRecord(t *testing.T) {
	m, loop, _ := newTestMessenger(t, &Options{BucketSize: 64})

	var got []string
	if _, err := m.AddNotifyCallback("svc", func(tag uint16, data []byte) {
		got = append(got, string(data))
	}); err != nil {
		t.Fatalf("AddNotifyCallback: %v", err)
	}
	r := m.recv["svc"]

	fd, err := dialSocket(r.path, false)
	if err != nil {
		t.Fatalf("dialSocket: %v", err)
	}
	defer unix.Close(fd)

	// A record longer than the receiver's bucket cannot be read whole.
	big := Frame{Kind: Notify, Payload: make([]byte, 200)}.Encode()
	if _, err := unix.Write(fd, big); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for i := 0; r.clients.Len() != 0 || m.metrics.protocolErrors.Value() == 0; i++ {
		if i > 100 {
			t.Fatal("Client not closed after truncated record")
		}
		loop.RunOnce(10 * time.Millisecond)
	}
	if n := m.metrics.protocolErrors.Value(); n != 1 {
		t.Errorf("protocol_errors: got %d, want 1", n)
	}
	if len(got) != 0 {
		t.Errorf("Delivered %d notifications from a truncated record", len(got))
	}
}
