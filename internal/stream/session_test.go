package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/schwabstream/internal/auth"
	"github.com/betbot/schwabstream/internal/events"
	"github.com/betbot/schwabstream/pkg/persistence"
)

func TestSession_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.s.Connect())
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)
	require.NoError(t, h.s.Connect())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, 1, h.dialer.conn(0).count(CommandLogin))
	assert.NotEmpty(t, h.s.CorrelationID())
	assert.Equal(t, []string{"wss://streamer.test/ws"}, h.dialer.urls[:1])
}

func TestSession_LoginCarriesStreamerInfo(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)

	reqs := h.dialer.conn(0).requests()
	require.NotEmpty(t, reqs)
	login := reqs[0]
	assert.Equal(t, ServiceAdmin, login.Service)
	assert.Equal(t, CommandLogin, login.Command)
	assert.Equal(t, "tok", login.Parameters["Authorization"])
	assert.Equal(t, "N9", login.Parameters["SchwabClientChannel"])
	assert.Equal(t, "APIAPP", login.Parameters["SchwabClientFunctionId"])
	assert.Equal(t, "cust-1", login.CustomerID)
	assert.Equal(t, h.s.CorrelationID(), login.CorrelID)

	var connected bool
	for _, ev := range h.rec.all() {
		if c, ok := ev.(events.Connected); ok {
			connected = true
			assert.Equal(t, h.s.CorrelationID(), c.CorrelationID)
		}
	}
	assert.True(t, connected)
}

func TestSession_ReplaysSubscriptionsAfterReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Subscribe(EquityQuote("aapl")))
	require.NoError(t, h.s.Connect())

	first := func() *fakeConn { return h.dialer.conn(0) }
	require.Eventually(t, func() bool {
		return h.dialer.dials() == 1 && first().count(CommandSubs) == 1
	}, 2*time.Second, 2*time.Millisecond)

	first().kill()

	require.Eventually(t, func() bool {
		return h.dialer.dials() == 2 && h.dialer.conn(1).count(CommandSubs) == 1
	}, 2*time.Second, 2*time.Millisecond)
	h.waitState(t, Active)

	var subs []Request
	for _, r := range h.dialer.conn(1).requests() {
		if r.Command == CommandSubs {
			subs = append(subs, r)
		}
	}
	require.Len(t, subs, 1)
	assert.Equal(t, ServiceLevelOneEquity, subs[0].Service)
	assert.Equal(t, []string{"AAPL"}, keysOf(subs[0]))
	assert.Equal(t, DefaultFields[Equities], subs[0].Parameters["fields"])
	assert.Equal(t, 0, h.dialer.conn(1).count(CommandAdd))
	assert.EqualValues(t, 1, h.s.Stats().Reconnects)
}

func TestSession_AddAndUnsubscribeWhileActive(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)
	c := h.dialer.conn(0)

	require.NoError(t, h.s.Subscribe(EquityQuote("msft"), OptionQuote("AAPL  240621C00190000")))
	require.Eventually(t, func() bool { return c.count(CommandAdd) == 2 }, time.Second, 2*time.Millisecond)

	// already desired: nothing goes out
	require.NoError(t, h.s.Subscribe(EquityQuote("MSFT")))
	// not desired: nothing goes out
	require.NoError(t, h.s.Unsubscribe(EquityQuote("ZZZ")))
	require.NoError(t, h.s.Unsubscribe(EquityQuote("msft")))
	require.Eventually(t, func() bool { return c.count(CommandUnsubs) == 1 }, time.Second, 2*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, c.count(CommandAdd))
	assert.Equal(t, 1, c.count(CommandUnsubs))

	for _, r := range c.requests() {
		if r.Command == CommandUnsubs {
			assert.Equal(t, ServiceLevelOneEquity, r.Service)
			assert.Equal(t, []string{"MSFT"}, keysOf(r))
			assert.Empty(t, r.Parameters["fields"])
		}
	}
	assert.Equal(t, []SubscriptionKey{OptionQuote("AAPL  240621C00190000")}, h.s.Subscriptions())
}

type publishFunc func(events.Event)

func (f publishFunc) Publish(ev events.Event) { f(ev) }

func TestSession_HandlerMaySubscribeFromTheLoop(t *testing.T) {
	const n = 200
	var s *Session
	rec := &recorder{}
	pub := publishFunc(func(ev events.Event) {
		rec.Publish(ev)
		if _, ok := ev.(events.Connected); ok {
			for i := 0; i < n; i++ {
				require.NoError(t, s.Subscribe(EquityQuote(fmt.Sprintf("SYM%03d", i))))
			}
		}
	})
	h := newHarness(t, testConfig(), WithPublisher(pub))
	s = h.s
	require.NoError(t, s.Connect())
	h.waitState(t, Active)

	require.Eventually(t, func() bool { return len(s.Subscriptions()) == n }, 2*time.Second, 2*time.Millisecond)
	c := h.dialer.conn(0)
	require.Eventually(t, func() bool { return c.count(CommandAdd) == n }, 2*time.Second, 2*time.Millisecond)
	assert.True(t, rec.reachedState(Active))
}

func TestSession_SubscribeWhileDisconnectedOnlyRecords(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Subscribe(AccountFeed("acct-Key"), EquityQuote(" ibm ")))
	require.Eventually(t, func() bool { return len(h.s.Subscriptions()) == 2 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, []SubscriptionKey{
		{Channel: Equities, Key: "IBM"},
		{Channel: AccountActivity, Key: "acct-Key"},
	}, h.s.Subscriptions())
	assert.Equal(t, 0, h.dialer.dials())
}

func TestSession_FailsAfterMaxReconnectAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	h := newHarness(t, cfg)
	h.dialer.setFail(true)

	require.NoError(t, h.s.Connect())
	h.waitState(t, Failed)
	assert.Equal(t, 4, h.dialer.dials())

	errs := h.rec.streamErrors()
	require.NotEmpty(t, errs)
	last := errs[len(errs)-1]
	assert.Equal(t, events.ErrMaxReconnectAttemptsExceeded, last.Kind)
	assert.True(t, last.Fatal)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 4, h.dialer.dials(), "no automatic recovery once failed")

	h.dialer.setFail(false)
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)
	assert.Equal(t, 5, h.dialer.dials())
}

func TestSession_ZeroAttemptsFailsOnFirstError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	h := newHarness(t, cfg)
	h.dialer.setFail(true)

	require.NoError(t, h.s.Connect())
	h.waitState(t, Failed)
	assert.Equal(t, 1, h.dialer.dials())
}

func TestSession_ConnectWhileReconnectingSkipsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	h := newHarness(t, cfg)
	h.dialer.setFail(true)

	require.NoError(t, h.s.Connect())
	h.waitState(t, Reconnecting)

	h.dialer.setFail(false)
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)
	assert.Equal(t, 2, h.dialer.dials())
}

func TestSession_LivenessTimeoutReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.LivenessWindow = 100 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	h := newHarness(t, cfg)
	h.dialer.answerQOS = false

	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)

	require.Eventually(t, func() bool {
		return h.rec.reachedState(Reconnecting) && h.dialer.dials() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	var found bool
	for _, ev := range h.rec.all() {
		d, ok := ev.(events.Disconnected)
		if !ok || d.Reason != "liveness timeout" {
			continue
		}
		found = true
		var se *Error
		require.ErrorAs(t, d.Err, &se)
		assert.Equal(t, events.ErrLivenessTimeout, se.Kind)
		assert.False(t, se.Fatal())
	}
	assert.True(t, found)
}

func TestSession_UnansweredLoginTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.LivenessWindow = 60 * time.Millisecond
	h := newHarness(t, cfg)
	h.dialer.loginCode = -1

	require.NoError(t, h.s.Connect())
	require.Eventually(t, func() bool { return h.dialer.dials() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.rec.reachedState(LoggingIn))
	assert.False(t, h.rec.reachedState(Active))
}

func TestSession_LoginRejectedIsFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.loginCode = CodeLoginDenied

	require.NoError(t, h.s.Connect())
	h.waitState(t, Failed)

	errs := h.rec.streamErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, events.ErrLoginRejected, errs[0].Kind)
	assert.True(t, errs[0].Fatal)
	assert.EqualValues(t, 1, h.prefs.invalidations.Load())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
}

func TestSession_ReauthRequiredAtLoginIsFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	h.tokens.err = &auth.Error{Kind: auth.ReauthRequired, Op: "refresh"}

	require.NoError(t, h.s.Connect())
	h.waitState(t, Failed)

	errs := h.rec.streamErrors()
	require.NotEmpty(t, errs)
	assert.Equal(t, events.ErrLoginRejected, errs[0].Kind)
	assert.True(t, errs[0].Fatal)
	assert.Equal(t, 0, h.dialer.conn(0).count(CommandLogin))
}

func TestSession_MalformedMessagesAreNotFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)
	c := h.dialer.conn(0)

	c.push([]byte(`not json`))
	c.push([]byte(`{"data":[{"service":"LEVELONE_EQUITIES","command":"SUBS","content":{"key":"AAPL"}}]}`))
	c.push([]byte(`{"data":[{"service":"NEWS_HEADLINE","command":"SUBS","content":[]}]}`))
	c.push([]byte(`{"data":[{"service":"LEVELONE_EQUITIES","command":"SUBS","timestamp":1718900000000,"content":[{"key":"AAPL","1":189.5,"2":189.6}]}]}`))

	require.Eventually(t, func() bool { return h.s.Stats().DataMessages == 1 }, time.Second, 2*time.Millisecond)
	st := h.s.Stats()
	assert.EqualValues(t, 3, st.MalformedMessages)
	assert.False(t, st.LastMessageAt.IsZero())
	assert.Equal(t, Active, h.s.State())

	var data []events.DataReceived
	for _, ev := range h.rec.all() {
		if d, ok := ev.(events.DataReceived); ok {
			data = append(data, d)
		}
	}
	require.Len(t, data, 1)
	assert.Equal(t, "equities", data[0].Channel)
	assert.Equal(t, ServiceLevelOneEquity, data[0].Service)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(data[0].Payload, &rows))
	assert.Equal(t, "AAPL", rows[0]["key"])

	for _, se := range h.rec.streamErrors() {
		assert.Equal(t, events.ErrProtocolViolation, se.Kind)
		assert.False(t, se.Fatal)
	}
}

func TestSession_SendsHeartbeats(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)

	require.Eventually(t, func() bool { return h.s.Stats().HeartbeatsSent >= 2 }, time.Second, 5*time.Millisecond)
	for _, r := range h.dialer.conn(0).requests() {
		if r.Command == CommandQOS {
			assert.Equal(t, ServiceAdmin, r.Service)
			assert.Equal(t, "2", r.Parameters["qoslevel"])
		}
	}
}

func TestSession_CorrelationIDLifetime(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)
	first := h.s.CorrelationID()
	require.NotEmpty(t, first)

	h.dialer.conn(0).kill()
	require.Eventually(t, func() bool {
		return h.dialer.dials() == 2 && h.s.State() == Active
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, first, h.s.CorrelationID(), "reconnects keep the correlation id")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.s.Disconnect(ctx))
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)
	assert.NotEqual(t, first, h.s.CorrelationID())
}

func TestSession_DisconnectIsSynchronous(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Connect())
	h.waitState(t, Active)
	c := h.dialer.conn(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.s.Disconnect(ctx))
	assert.Equal(t, Disconnected, h.s.State())
	assert.Equal(t, 1, c.count(CommandLogout))

	n := h.rec.len()
	// a late frame on the old socket must not reach the publisher
	c.push(responseFrame(Request{Service: ServiceAdmin, Command: CommandLogin, RequestID: "0"}, CodeSuccess))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, h.rec.len())
	assert.Equal(t, Disconnected, h.s.State())

	// a second disconnect publishes nothing
	require.NoError(t, h.s.Disconnect(ctx))
	assert.Equal(t, n, h.rec.len())
}

func TestSession_DropsStaleLoginAck(t *testing.T) {
	s := NewSession(testConfig(), &fakeTokens{}, &fakePrefs{}, &fakeDialer{})
	rec := &recorder{}
	s.sink = rec
	s.state = LoggingIn
	s.gen = 7
	s.conn = newFakeConn(0, true)

	ack := responseFrame(Request{Service: ServiceAdmin, Command: CommandLogin, RequestID: "0"}, CodeSuccess)
	s.handleEvent(inbound{gen: 6, data: ack})

	assert.Equal(t, LoggingIn, s.state)
	assert.Zero(t, rec.len())
	assert.Zero(t, s.Stats().FramesReceived)

	stale := newFakeConn(0, true)
	s.handleEvent(dialResult{gen: 6, conn: stale})
	_, err := stale.ReadMessage()
	assert.ErrorIs(t, err, errConnClosed, "a stale dial result is closed")
}

func TestSession_IgnoresLoginAckBeforeLoginSent(t *testing.T) {
	h := newHarness(t, testConfig())
	release := make(chan struct{})
	h.tokens.block = release
	require.NoError(t, h.s.Subscribe(EquityQuote("AAPL")))
	require.NoError(t, h.s.Connect())
	h.waitState(t, LoggingIn)

	conn := h.dialer.conn(0)
	conn.push(responseFrame(Request{Service: ServiceAdmin, Command: CommandLogin, RequestID: "0"}, CodeSuccess))
	require.Eventually(t, func() bool { return h.s.Stats().FramesReceived >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, LoggingIn, h.s.State(), "no login was sent yet")
	assert.Zero(t, conn.count(CommandSubs))

	close(release)
	h.waitState(t, Active)
	assert.Equal(t, 1, conn.count(CommandLogin))
	require.Eventually(t, func() bool { return conn.count(CommandSubs) == 1 }, time.Second, time.Millisecond)
	for _, r := range conn.requests() {
		if r.Command == CommandSubs {
			assert.Equal(t, "cust-1", r.CustomerID)
		}
	}
}

func TestSession_WatchlistRestore(t *testing.T) {
	svc := persistence.NewJSONFileService(t.TempDir())
	w := NewPersistentWatchlist(svc, "test")

	h := newHarness(t, testConfig(), WithWatchlist(w))
	require.NoError(t, h.s.Subscribe(EquityQuote("AAPL"), AccountFeed("123")))
	require.Eventually(t, func() bool {
		keys, err := w.Load()
		return err == nil && len(keys) == 2
	}, 2*time.Second, 5*time.Millisecond)

	restored := NewSession(testConfig(), &fakeTokens{}, &fakePrefs{}, &fakeDialer{}, WithWatchlist(NewPersistentWatchlist(svc, "test")))
	assert.Equal(t, []SubscriptionKey{EquityQuote("AAPL"), AccountFeed("123")}, restored.Subscriptions())

	other := NewSession(testConfig(), &fakeTokens{}, &fakePrefs{}, &fakeDialer{}, WithWatchlist(NewPersistentWatchlist(svc, "other")))
	assert.Empty(t, other.Subscriptions())
}

func TestSession_ClosedAfterRun(t *testing.T) {
	s := NewSession(testConfig(), &fakeTokens{}, &fakePrefs{}, &fakeDialer{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	cancel()
	<-s.Done()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.ErrorIs(t, s.Connect(), ErrClosed)
	assert.ErrorIs(t, s.Subscribe(EquityQuote("AAPL")), ErrClosed)
	assert.NoError(t, s.Disconnect(context.Background()))
	assert.Error(t, s.Run(context.Background()), "run only once")
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{MaxReconnectAttempts: -1}
	c.applyDefaults()
	assert.Positive(t, c.HeartbeatInterval)
	assert.Positive(t, c.LivenessWindow)
	assert.GreaterOrEqual(t, c.BackoffMax, c.BackoffBase)
	assert.Positive(t, c.MaxReconnectAttempts)
	assert.Equal(t, "2", c.QOSLevel)

	c = Config{Fields: map[string]string{"equities": "0,1"}}
	assert.Equal(t, "0,1", c.fieldsFor(Equities))
	assert.Equal(t, DefaultFields[Options], c.fieldsFor(Options))
}
