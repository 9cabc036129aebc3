package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/schwabstream/internal/auth"
	"github.com/betbot/schwabstream/internal/events"
	"github.com/betbot/schwabstream/internal/rest"
	"github.com/betbot/schwabstream/pkg/config"
	"github.com/betbot/schwabstream/pkg/sigchan"
	"github.com/betbot/schwabstream/pkg/syncgroup"
)

// ErrClosed is returned by entry points once Run has returned.
var ErrClosed = errors.New("stream session closed")

// TokenSource supplies the access token used at login.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (auth.Credential, error)
}

// PreferencesSource supplies the streamer connection info.
type PreferencesSource interface {
	UserPreferences(ctx context.Context) (rest.Preferences, error)
	InvalidatePreferences()
}

// Publisher receives session events on the loop goroutine.
type Publisher interface {
	Publish(events.Event)
}

type Config struct {
	// SocketURL overrides the URL from the preferences endpoint.
	SocketURL            string
	HeartbeatInterval    time.Duration
	LivenessWindow       time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int
	// Fields maps a channel name ("equities") to its field list ("0,1,2").
	Fields map[string]string
	// QOSLevel is sent with every heartbeat.
	QOSLevel string
}

// ConfigFrom maps the file configuration onto the session.
func ConfigFrom(c config.StreamConfig) Config {
	return Config{
		HeartbeatInterval:    c.HeartbeatInterval,
		LivenessWindow:       c.LivenessWindow,
		BackoffBase:          c.BackoffBase,
		BackoffMax:           c.BackoffMax,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		Fields:               c.Fields,
	}
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = config.DefaultLivenessWindow
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = config.DefaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = config.DefaultBackoffMax
		if c.BackoffMax < c.BackoffBase {
			c.BackoffMax = c.BackoffBase
		}
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = config.DefaultMaxReconnectAttempts
	}
	if c.QOSLevel == "" {
		c.QOSLevel = "2"
	}
}

func (c Config) fieldsFor(ch Channel) string {
	if f := strings.TrimSpace(c.Fields[ch.String()]); f != "" {
		return f
	}
	return DefaultFields[ch]
}

type intentKind int

const (
	intentConnect intentKind = iota
	intentDisconnect
	intentSubscribe
	intentUnsubscribe
)

type intent struct {
	kind intentKind
	keys []SubscriptionKey
	ack  chan struct{}
}

// loopEvent is produced by helper goroutines and tagged with the connection
// generation that started them.
type loopEvent interface {
	generation() uint64
}

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type loginReady struct {
	gen   uint64
	token string
	info  rest.StreamerInfo
	err   error
}

type inbound struct {
	gen  uint64
	data []byte
}

type readFailed struct {
	gen uint64
	err error
}

func (e dialResult) generation() uint64 { return e.gen }
func (e loginReady) generation() uint64 { return e.gen }
func (e inbound) generation() uint64    { return e.gen }
func (e readFailed) generation() uint64 { return e.gen }

// Session is the streaming protocol client. One goroutine (Run) owns all
// mutable session state; the exported methods only enqueue intents or read
// snapshots.
//
// Publisher handlers run on the Run goroutine. They may call Connect,
// Subscribe and Unsubscribe, which never block; the intent is applied after
// the current event. They must not call Disconnect synchronously.
type Session struct {
	cfg       Config
	tokens    TokenSource
	prefs     PreferencesSource
	dialer    Dialer
	sink      Publisher
	log       *logrus.Entry
	backoff   Backoff
	watchlist Watchlist
	saveSig   *sigchan.Chan

	intentMu sync.Mutex
	intents  []intent
	wake     *sigchan.Chan
	inbox    chan loopEvent
	running atomic.Bool
	done    chan struct{}

	// owned by the Run goroutine
	state         State
	desired       map[SubscriptionKey]struct{}
	attempts      int
	gen           uint64
	conn          Conn
	attemptCtx    context.Context
	cancelAttempt context.CancelFunc
	reqSeq        int
	loginReqID    string
	streamer      rest.StreamerInfo
	correlationID string
	heartbeat     *time.Ticker
	liveness      *time.Timer
	retry         *time.Timer

	// snapshots for readers
	mu       sync.RWMutex
	snapSt   State
	snapSubs []SubscriptionKey
	snapCorr string

	frames, data, malformed, heartbeats, logins, reconnects atomic.Uint64
	lastMsg                                                 atomic.Int64
}

type Option func(*Session)

func WithPublisher(p Publisher) Option {
	return func(s *Session) { s.sink = p }
}

func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) { s.log = l }
}

// WithWatchlist restores the desired set at construction and saves it after
// every change.
func WithWatchlist(w Watchlist) Option {
	return func(s *Session) { s.watchlist = w }
}

// WithJitter replaces the backoff random source.
func WithJitter(r func() float64) Option {
	return func(s *Session) { s.backoff.Rand = r }
}

func NewSession(cfg Config, tokens TokenSource, prefs PreferencesSource, dialer Dialer, opts ...Option) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:     cfg,
		tokens:  tokens,
		prefs:   prefs,
		dialer:  dialer,
		log:     logrus.WithField("component", "stream"),
		backoff: Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		saveSig: sigchan.New(),
		wake:    sigchan.New(),
		inbox:   make(chan loopEvent, 256),
		done:    make(chan struct{}),
		desired: make(map[SubscriptionKey]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.watchlist != nil {
		keys, err := s.watchlist.Load()
		if err != nil {
			s.log.Warnf("restore watchlist: %v", err)
		}
		for _, k := range keys {
			s.desired[k.Normalize()] = struct{}{}
		}
		if len(keys) > 0 {
			s.log.Infof("restored %d subscriptions", len(s.desired))
		}
	}
	s.snapshotSubs()
	return s
}

// Connect starts (or restarts) connecting. It is a no-op while Connecting,
// LoggingIn or Active, skips the pending backoff while Reconnecting, and
// resets the attempt counter when Failed.
func (s *Session) Connect() error {
	return s.enqueue(intent{kind: intentConnect})
}

// Disconnect stops the session and returns once the loop has torn the
// connection down. No Publisher callback fires after it returns.
func (s *Session) Disconnect(ctx context.Context) error {
	ack := make(chan struct{})
	if err := s.enqueue(intent{kind: intentDisconnect, ack: ack}); err != nil {
		// already closed: nothing left to tear down
		return nil
	}
	select {
	case <-ack:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds keys to the desired set. While Active the new keys are sent
// immediately; otherwise they are replayed on the next login.
func (s *Session) Subscribe(keys ...SubscriptionKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.enqueue(intent{kind: intentSubscribe, keys: keys})
}

// Unsubscribe removes keys. Keys not in the desired set are ignored.
func (s *Session) Unsubscribe(keys ...SubscriptionKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.enqueue(intent{kind: intentUnsubscribe, keys: keys})
}

// enqueue never blocks, so it is safe from the Run goroutine itself.
func (s *Session) enqueue(it intent) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.intentMu.Lock()
	s.intents = append(s.intents, it)
	s.intentMu.Unlock()
	s.wake.Emit()
	return nil
}

func (s *Session) takeIntents() []intent {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	its := s.intents
	s.intents = nil
	return its
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapSt
}

// Subscriptions returns the desired set, sorted.
func (s *Session) Subscriptions() []SubscriptionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SubscriptionKey, len(s.snapSubs))
	copy(out, s.snapSubs)
	return out
}

// CorrelationID is stable from Connect until the next Disconnect.
func (s *Session) CorrelationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapCorr
}

func (s *Session) Stats() Stats {
	st := Stats{
		FramesReceived:    s.frames.Load(),
		DataMessages:      s.data.Load(),
		MalformedMessages: s.malformed.Load(),
		HeartbeatsSent:    s.heartbeats.Load(),
		LoginsSent:        s.logins.Load(),
		Reconnects:        s.reconnects.Load(),
	}
	if ns := s.lastMsg.Load(); ns > 0 {
		st.LastMessageAt = time.Unix(0, ns)
	}
	return st
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run owns the session until ctx is cancelled. It may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("stream session already running")
	}
	defer close(s.done)

	sg := syncgroup.NewSyncGroup()
	saverCtx, stopSaver := context.WithCancel(context.Background())
	if s.watchlist != nil {
		sg.Add(func() { s.saveLoop(saverCtx) })
		sg.Run()
	}
	defer func() {
		stopSaver()
		sg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			s.setState(Disconnected)
			return ctx.Err()
		case <-s.wake.C():
			for _, it := range s.takeIntents() {
				s.handleIntent(it)
			}
		case ev := <-s.inbox:
			s.handleEvent(ev)
		case <-tickerC(s.heartbeat):
			s.sendHeartbeat()
		case <-timerC(s.liveness):
			s.liveness = nil
			s.onLivenessTimeout()
		case <-timerC(s.retry):
			s.retry = nil
			s.log.Infof("reconnect attempt %d/%d", s.attempts, s.cfg.MaxReconnectAttempts)
			s.startAttempt()
		}
	}
}

func (s *Session) handleIntent(it intent) {
	switch it.kind {
	case intentConnect:
		s.onConnect()
	case intentDisconnect:
		s.onDisconnect()
	case intentSubscribe:
		s.onSubscribe(it.keys)
	case intentUnsubscribe:
		s.onUnsubscribe(it.keys)
	}
	if it.ack != nil {
		close(it.ack)
	}
}

func (s *Session) onConnect() {
	switch s.state {
	case Connecting, LoggingIn, Active:
		return
	case Disconnected:
		s.correlationID = uuid.NewString()
		s.mu.Lock()
		s.snapCorr = s.correlationID
		s.mu.Unlock()
		s.attempts = 0
	case Failed:
		s.attempts = 0
	case Reconnecting:
		s.log.Infof("connect requested, skipping backoff")
	}
	s.startAttempt()
}

func (s *Session) onDisconnect() {
	prev := s.state
	if prev == Active && s.conn != nil {
		// best effort; the socket is closed right after
		_ = s.send(s.request(ServiceAdmin, CommandLogout, nil))
	}
	s.teardown()
	if prev == Disconnected {
		return
	}
	s.setState(Disconnected)
	s.publish(events.Disconnected{Reason: "disconnect requested", At: time.Now()})
}

// startAttempt begins a fresh connection attempt under a new generation.
func (s *Session) startAttempt() {
	s.teardown()
	ctx, cancel := context.WithCancel(context.Background())
	s.attemptCtx, s.cancelAttempt = ctx, cancel
	s.setState(Connecting)
	go s.dial(ctx, s.gen)
}

// teardown invalidates everything tied to the current generation.
func (s *Session) teardown() {
	s.gen++
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
		s.attemptCtx = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debugf("close conn: %v", err)
		}
		s.conn = nil
	}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	stopTimer(&s.liveness)
	stopTimer(&s.retry)
	s.loginReqID = ""
}

func (s *Session) dial(ctx context.Context, gen uint64) {
	url := s.cfg.SocketURL
	if url == "" {
		p, err := s.prefs.UserPreferences(ctx)
		if err != nil {
			s.post(ctx, dialResult{gen: gen, err: fmt.Errorf("streamer preferences: %w", err)})
			return
		}
		url = p.StreamerInfo.SocketURL
	}
	conn, err := s.dialer.Dial(ctx, url)
	if !s.post(ctx, dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) prepareLogin(ctx context.Context, gen uint64) {
	cred, err := s.tokens.EnsureValidToken(ctx)
	if err != nil {
		s.post(ctx, loginReady{gen: gen, err: err})
		return
	}
	p, err := s.prefs.UserPreferences(ctx)
	if err != nil {
		s.post(ctx, loginReady{gen: gen, err: err})
		return
	}
	s.post(ctx, loginReady{gen: gen, token: cred.AccessToken, info: p.StreamerInfo})
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		b, err := conn.ReadMessage()
		if err != nil {
			s.post(ctx, readFailed{gen: gen, err: err})
			return
		}
		if !s.post(ctx, inbound{gen: gen, data: b}) {
			return
		}
	}
}

func (s *Session) post(ctx context.Context, ev loopEvent) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) handleEvent(ev loopEvent) {
	if ev.generation() != s.gen {
		if dr, ok := ev.(dialResult); ok && dr.conn != nil {
			_ = dr.conn.Close()
		}
		s.log.Debugf("dropping stale %T (gen %d, current %d)", ev, ev.generation(), s.gen)
		return
	}
	switch e := ev.(type) {
	case dialResult:
		s.onDialed(e)
	case loginReady:
		s.onLoginReady(e)
	case inbound:
		s.onFrame(e.data)
	case readFailed:
		s.onTransportError(e.err)
	}
}

func (s *Session) onDialed(e dialResult) {
	if s.state != Connecting {
		if e.conn != nil {
			_ = e.conn.Close()
		}
		return
	}
	if e.err != nil {
		if auth.IsReauthRequired(e.err) {
			s.fail(events.ErrLoginRejected, "re-authentication required", e.err)
			return
		}
		s.log.Warnf("connect failed: %v", e.err)
		s.reconnect()
		return
	}
	s.conn = e.conn
	ctx := s.attemptCtx
	go s.readLoop(ctx, s.gen, e.conn)
	s.setState(LoggingIn)
	// the login must complete within one liveness window
	s.liveness = time.NewTimer(s.cfg.LivenessWindow)
	go s.prepareLogin(ctx, s.gen)
}

func (s *Session) onLoginReady(e loginReady) {
	if s.state != LoggingIn {
		return
	}
	if e.err != nil {
		if auth.IsReauthRequired(e.err) {
			s.fail(events.ErrLoginRejected, "re-authentication required", e.err)
			return
		}
		s.log.Warnf("login preparation failed: %v", e.err)
		s.reconnect()
		return
	}
	s.streamer = e.info
	req := s.request(ServiceAdmin, CommandLogin, map[string]string{
		"Authorization":          e.token,
		"SchwabClientChannel":    e.info.Channel,
		"SchwabClientFunctionId": e.info.FunctionID,
	})
	s.loginReqID = req.RequestID
	if err := s.send(req); err != nil {
		s.onTransportError(err)
		return
	}
	s.logins.Add(1)
	s.log.Debugf("login sent (request %s, correl %s)", req.RequestID, s.correlationID)
}

func (s *Session) onFrame(b []byte) {
	s.frames.Add(1)
	s.lastMsg.Store(time.Now().UnixNano())
	if s.liveness != nil {
		s.liveness.Reset(s.cfg.LivenessWindow)
	}

	f, err := DecodeFrame(b)
	if err != nil {
		s.protocolViolation(err.Error())
		return
	}
	for _, r := range f.Response {
		s.onResponse(r)
		if s.conn == nil {
			// the response tore the connection down
			return
		}
	}
	for _, d := range f.Data {
		s.onData(d)
	}
	for _, n := range f.Notify {
		if n.Heartbeat != "" {
			continue
		}
		if n.Content != nil && n.Content.Code != CodeSuccess {
			s.log.Warnf("server notice %d: %s", n.Content.Code, n.Content.Msg)
			s.publish(events.StreamError{
				Kind:   events.ErrProtocolViolation,
				Detail: fmt.Sprintf("server notice %d: %s", n.Content.Code, n.Content.Msg),
				At:     time.Now(),
			})
		}
	}
}

func (s *Session) onResponse(r Response) {
	if strings.EqualFold(r.Service, ServiceAdmin) && strings.EqualFold(r.Command, CommandLogin) {
		// only the answer to the login this connection actually sent counts
		if s.state != LoggingIn || s.loginReqID == "" || r.RequestID != s.loginReqID {
			s.log.Debugf("ignoring login response %s in state %s", r.RequestID, s.state)
			return
		}
		if r.Content.Code != CodeSuccess {
			s.prefs.InvalidatePreferences()
			s.fail(events.ErrLoginRejected, fmt.Sprintf("code %d: %s", r.Content.Code, r.Content.Msg), nil)
			return
		}
		s.onActive()
		return
	}
	if r.Content.Code != CodeSuccess {
		s.publish(events.StreamError{
			Kind:   events.ErrProtocolViolation,
			Detail: fmt.Sprintf("%s %s rejected (code %d): %s", r.Service, r.Command, r.Content.Code, r.Content.Msg),
			At:     time.Now(),
		})
	}
}

func (s *Session) onActive() {
	s.attempts = 0
	s.setState(Active)
	s.publish(events.Connected{CorrelationID: s.correlationID, At: time.Now()})
	s.heartbeat = time.NewTicker(s.cfg.HeartbeatInterval)

	// the server forgets subscriptions with the socket: replay the whole set
	for ch, keys := range s.groupDesired() {
		if err := s.send(s.subscription(CommandSubs, ch, keys)); err != nil {
			s.onTransportError(err)
			return
		}
	}
}

func (s *Session) onData(d Data) {
	ch, ok := ChannelFor(d.Service)
	if !ok {
		s.protocolViolation(fmt.Sprintf("data for unknown service %q", d.Service))
		return
	}
	if !validContent(d.Content) {
		s.protocolViolation(fmt.Sprintf("%s payload is not an array", d.Service))
		return
	}
	s.data.Add(1)
	s.publish(events.DataReceived{Channel: ch.String(), Service: d.Service, Payload: d.Content, At: time.Now()})
}

func (s *Session) protocolViolation(detail string) {
	s.malformed.Add(1)
	s.log.Warnf("malformed message: %s", detail)
	s.publish(events.StreamError{Kind: events.ErrProtocolViolation, Detail: detail, At: time.Now()})
}

func (s *Session) onTransportError(err error) {
	switch s.state {
	case Connecting, LoggingIn, Active:
	default:
		return
	}
	s.log.Warnf("transport error in %s: %v", s.state, err)
	if s.state != Connecting {
		s.publish(events.Disconnected{Reason: "transport error", Err: err, At: time.Now()})
	}
	s.reconnect()
}

func (s *Session) onLivenessTimeout() {
	if s.state != Active && s.state != LoggingIn {
		return
	}
	err := &Error{Kind: events.ErrLivenessTimeout, Detail: fmt.Sprintf("no server message within %s", s.cfg.LivenessWindow)}
	s.log.Warnf("%v (state %s)", err, s.state)
	s.publish(events.Disconnected{Reason: "liveness timeout", Err: err, At: time.Now()})
	s.reconnect()
}

// reconnect schedules the next attempt or gives up.
func (s *Session) reconnect() {
	s.teardown()
	s.attempts++
	s.reconnects.Add(1)
	if s.attempts > s.cfg.MaxReconnectAttempts {
		s.fail(events.ErrMaxReconnectAttemptsExceeded,
			fmt.Sprintf("gave up after %d reconnect attempts", s.cfg.MaxReconnectAttempts), nil)
		return
	}
	d := s.backoff.Delay(s.attempts)
	s.setState(Reconnecting)
	s.log.Infof("reconnecting in %s (attempt %d/%d)", d, s.attempts, s.cfg.MaxReconnectAttempts)
	s.retry = time.NewTimer(d)
}

func (s *Session) fail(kind events.ErrorKind, detail string, cause error) {
	s.teardown()
	e := &Error{Kind: kind, Detail: detail, Err: cause}
	s.log.Errorf("%v", e)
	s.setState(Failed)
	s.publish(events.StreamError{Kind: kind, Detail: e.Error(), Fatal: e.Fatal(), At: time.Now()})
}

func (s *Session) onSubscribe(keys []SubscriptionKey) {
	var added []SubscriptionKey
	for _, k := range keys {
		k = k.Normalize()
		if k.Key == "" {
			continue
		}
		if _, ok := s.desired[k]; ok {
			continue
		}
		s.desired[k] = struct{}{}
		added = append(added, k)
	}
	if len(added) == 0 {
		return
	}
	s.snapshotSubs()
	s.saveSig.Emit()
	if s.state != Active {
		return
	}
	for ch, ks := range group(added) {
		if err := s.send(s.subscription(CommandAdd, ch, ks)); err != nil {
			s.onTransportError(err)
			return
		}
	}
}

func (s *Session) onUnsubscribe(keys []SubscriptionKey) {
	var removed []SubscriptionKey
	for _, k := range keys {
		k = k.Normalize()
		if _, ok := s.desired[k]; !ok {
			continue
		}
		delete(s.desired, k)
		removed = append(removed, k)
	}
	if len(removed) == 0 {
		return
	}
	s.snapshotSubs()
	s.saveSig.Emit()
	if s.state != Active {
		return
	}
	for ch, ks := range group(removed) {
		req := s.request(ServiceFor(ch), CommandUnsubs, map[string]string{"keys": strings.Join(ks, ",")})
		if err := s.send(req); err != nil {
			s.onTransportError(err)
			return
		}
	}
}

func (s *Session) sendHeartbeat() {
	if s.state != Active {
		return
	}
	if err := s.send(s.request(ServiceAdmin, CommandQOS, map[string]string{"qoslevel": s.cfg.QOSLevel})); err != nil {
		s.onTransportError(err)
		return
	}
	s.heartbeats.Add(1)
}

func (s *Session) request(service, command string, params map[string]string) Request {
	r := Request{
		Service:    service,
		RequestID:  strconv.Itoa(s.reqSeq),
		Command:    command,
		CustomerID: s.streamer.CustomerID,
		CorrelID:   s.correlationID,
		Parameters: params,
	}
	s.reqSeq++
	return r
}

func (s *Session) subscription(command string, ch Channel, keys []string) Request {
	return s.request(ServiceFor(ch), command, map[string]string{
		"keys":   strings.Join(keys, ","),
		"fields": s.cfg.fieldsFor(ch),
	})
}

func (s *Session) send(req Request) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	b, err := EncodeRequests(req)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(b)
}

func (s *Session) groupDesired() map[Channel][]string {
	keys := make([]SubscriptionKey, 0, len(s.desired))
	for k := range s.desired {
		keys = append(keys, k)
	}
	return group(keys)
}

func group(keys []SubscriptionKey) map[Channel][]string {
	sortKeys(keys)
	out := make(map[Channel][]string)
	for _, k := range keys {
		out[k.Channel] = append(out[k.Channel], k.Key)
	}
	return out
}

func (s *Session) setState(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.mu.Lock()
	s.snapSt = next
	s.mu.Unlock()
	s.log.Infof("state %s -> %s", prev, next)
	s.publish(events.StateChanged{From: prev.String(), To: next.String(), At: time.Now()})
}

func (s *Session) snapshotSubs() {
	keys := make([]SubscriptionKey, 0, len(s.desired))
	for k := range s.desired {
		keys = append(keys, k)
	}
	sortKeys(keys)
	s.mu.Lock()
	s.snapSubs = keys
	s.mu.Unlock()
}

func (s *Session) publish(ev events.Event) {
	if s.sink != nil {
		s.sink.Publish(ev)
	}
}

func (s *Session) saveLoop(ctx context.Context) {
	save := func() {
		if err := s.watchlist.Save(s.Subscriptions()); err != nil {
			s.log.Warnf("save watchlist: %v", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			select {
			case <-s.saveSig.C():
				save()
			default:
			}
			return
		case <-s.saveSig.C():
			save()
		}
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
