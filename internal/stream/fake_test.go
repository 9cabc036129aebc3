package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/schwabstream/internal/auth"
	"github.com/betbot/schwabstream/internal/events"
	"github.com/betbot/schwabstream/internal/rest"
)

var errConnClosed = errors.New("fake conn closed")

// fakeConn answers LOGIN and QOS like the streamer does, unless told not to.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	loginCode int // -1: never answer the login
	answerQOS bool

	mu   sync.Mutex
	sent []Request
}

func newFakeConn(loginCode int, answerQOS bool) *fakeConn {
	return &fakeConn{
		in:        make(chan []byte, 64),
		closed:    make(chan struct{}),
		loginCode: loginCode,
		answerQOS: answerQOS,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(b []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	reqs, err := DecodeRequests(b)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, reqs...)
	c.mu.Unlock()
	for _, r := range reqs {
		switch {
		case r.Command == CommandLogin && c.loginCode >= 0:
			c.push(responseFrame(r, c.loginCode))
		case r.Command == CommandQOS && c.answerQOS:
			c.push(responseFrame(r, CodeSuccess))
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// kill simulates the server dropping the socket.
func (c *fakeConn) kill() { _ = c.Close() }

func (c *fakeConn) push(b []byte) {
	select {
	case c.in <- b:
	default:
	}
}

func (c *fakeConn) requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) count(command string) int {
	n := 0
	for _, r := range c.requests() {
		if r.Command == command {
			n++
		}
	}
	return n
}

func responseFrame(r Request, code int) []byte {
	b, _ := json.Marshal(Frame{Response: []Response{{
		Service:   r.Service,
		Command:   r.Command,
		RequestID: r.RequestID,
		CorrelID:  r.CorrelID,
		Content:   ResponseContent{Code: code, Msg: fmt.Sprintf("code=%d", code)},
	}}})
	return b
}

type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	urls      []string
	fail      bool
	loginCode int
	answerQOS bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		d.conns = append(d.conns, nil)
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(d.loginCode, d.answerQOS)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.conns) + i
	}
	return d.conns[i]
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

type fakeTokens struct {
	err   error
	block chan struct{} // non-nil: wait until closed
}

func (f *fakeTokens) EnsureValidToken(ctx context.Context) (auth.Credential, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return auth.Credential{}, ctx.Err()
		}
	}
	if f.err != nil {
		return auth.Credential{}, f.err
	}
	return auth.Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakePrefs struct {
	invalidations atomic.Int64
}

func (p *fakePrefs) UserPreferences(ctx context.Context) (rest.Preferences, error) {
	return rest.Preferences{StreamerInfo: rest.StreamerInfo{
		SocketURL:  "wss://streamer.test/ws",
		CustomerID: "cust-1",
		Channel:    "N9",
		FunctionID: "APIAPP",
	}}, nil
}

func (p *fakePrefs) InvalidatePreferences() { p.invalidations.Add(1) }

// recorder collects published events.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.evs))
	copy(out, r.evs)
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func (r *recorder) streamErrors() []events.StreamError {
	var out []events.StreamError
	for _, ev := range r.all() {
		if se, ok := ev.(events.StreamError); ok {
			out = append(out, se)
		}
	}
	return out
}

func (r *recorder) reachedState(to State) bool {
	for _, ev := range r.all() {
		if sc, ok := ev.(events.StateChanged); ok && sc.To == to.String() {
			return true
		}
	}
	return false
}

type harness struct {
	s      *Session
	dialer *fakeDialer
	rec    *recorder
	tokens *fakeTokens
	prefs  *fakePrefs
}

func testConfig() Config {
	return Config{
		HeartbeatInterval:    20 * time.Millisecond,
		LivenessWindow:       300 * time.Millisecond,
		BackoffBase:          5 * time.Millisecond,
		BackoffMax:           20 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{answerQOS: true},
		rec:    &recorder{},
		tokens: &fakeTokens{},
		prefs:  &fakePrefs{},
	}
	opts = append([]Option{WithPublisher(h.rec)}, opts...)
	h.s = NewSession(cfg, h.tokens, h.prefs, h.dialer, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.s.Done()
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.s.State() == want }, 2*time.Second, 2*time.Millisecond,
		"state is %s, want %s", h.s.State(), want)
}

func keysOf(r Request) []string {
	return strings.Split(r.Parameters["keys"], ",")
}
