package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/schwabstream/pkg/config"
	"github.com/betbot/schwabstream/pkg/logger"
	sdkhttp "github.com/betbot/schwabstream/pkg/sdk/http"
)

// CredentialKey is the SecretStore key holding the serialized Credential.
const CredentialKey = "schwab/credential"

const refreshFlightKey = "refresh"

// Manager owns the Credential. All refreshes go through one singleflight key,
// so concurrent callers share one network round trip and one outcome.
type Manager struct {
	cfg   config.OAuthConfig
	store SecretStore
	http  *sdkhttp.Client
	now   func() time.Time
	log   *logrus.Entry

	mu   sync.RWMutex
	cred Credential

	// writeMu serializes credential writes. epoch changes whenever the
	// credential lineage is replaced (Authenticate) or ended (ClearTokens);
	// a refresh started under an older epoch must not write its result.
	writeMu sync.Mutex
	epoch   uint64

	flight   singleflight.Group
	refreshN atomic.Int64
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *logrus.Entry) Option {
	return func(m *Manager) { m.log = l }
}

// WithHTTPTimeout bounds each token endpoint round trip.
func WithHTTPTimeout(d time.Duration) Option {
	return func(m *Manager) { m.http = sdkhttp.NewClient("", d) }
}

// NewManager builds a manager and loads any credential persisted by a
// previous process.
func NewManager(cfg config.OAuthConfig, store SecretStore, opts ...Option) (*Manager, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = config.DefaultTokenURL
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = config.DefaultAuthorizeURL
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = config.DefaultRefreshMargin
	}
	m := &Manager{
		cfg:   cfg,
		store: store,
		http:  sdkhttp.NewClient("", config.DefaultHTTPTimeout),
		now:   time.Now,
		log:   logrus.WithField("component", "auth"),
	}
	for _, o := range opts {
		o(m)
	}

	raw, ok, err := store.Get(CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("load persisted credential: %w", err)
	}
	if ok && raw != "" {
		var c Credential
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			m.log.Warnf("discarding unreadable persisted credential: %v", err)
		} else {
			m.cred = c
			m.log.Infof("restored credential (access=%s, expires %s)", logger.Redact(c.AccessToken), c.ExpiresAt.Format(time.RFC3339))
		}
	}
	return m, nil
}

// AuthorizationURL is where the user signs in. The redirect it produces is
// fed back to Authenticate.
func (m *Manager) AuthorizationURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	if state != "" {
		q.Set("state", state)
	}
	sep := "?"
	if strings.Contains(m.cfg.AuthorizeURL, "?") {
		sep = "&"
	}
	return m.cfg.AuthorizeURL + sep + q.Encode()
}

// ExtractCode accepts either the bare authorization code or the full redirect
// URL carrying it as the "code" query parameter.
func ExtractCode(codeOrURL string) (string, error) {
	s := strings.TrimSpace(codeOrURL)
	if s == "" {
		return "", fmt.Errorf("empty authorization code")
	}
	if !strings.Contains(s, "code=") {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse redirect url: %w", err)
	}
	q := u.Query()
	if u.RawQuery == "" {
		// bare "code=...&session=..." without a scheme
		q, err = url.ParseQuery(s)
		if err != nil {
			return "", fmt.Errorf("parse redirect query: %w", err)
		}
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("redirect carries no code")
	}
	return code, nil
}

// Authenticate exchanges a one-time authorization code for the initial
// credential and persists it before returning.
func (m *Manager) Authenticate(ctx context.Context, codeOrURL string) (Credential, error) {
	code, err := ExtractCode(codeOrURL)
	if err != nil {
		return Credential{}, &Error{Kind: InvalidGrant, Op: "authenticate", Err: err}
	}
	form := map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": m.cfg.RedirectURI,
	}
	tr, status, err := m.postToken(ctx, form)
	if err != nil {
		return Credential{}, &Error{Kind: Transient, Op: "authenticate", Err: err}
	}
	if status >= 500 {
		return Credential{}, &Error{Kind: Transient, Op: "authenticate", Err: fmt.Errorf("token endpoint status %d", status)}
	}
	if status < 200 || status >= 300 {
		return Credential{}, &Error{Kind: InvalidGrant, Op: "authenticate", Err: fmt.Errorf("token endpoint status %d: %s", status, tr.describe())}
	}

	cred, err := tr.credential(m.current(), m.now())
	if err != nil {
		return Credential{}, &Error{Kind: InvalidGrant, Op: "authenticate", Err: err}
	}
	m.writeMu.Lock()
	m.epoch++
	m.persistLocked(cred)
	m.writeMu.Unlock()
	m.log.Infof("authenticated (customer=%s, expires %s)", cred.CustomerID, cred.ExpiresAt.Format(time.RFC3339))
	return cred, nil
}

// EnsureValidToken returns a credential valid for at least the refresh
// margin, refreshing at most once no matter how many callers are waiting.
func (m *Manager) EnsureValidToken(ctx context.Context) (Credential, error) {
	cur := m.current()
	if cur.ValidFor(m.cfg.RefreshMargin, m.now()) {
		return cur, nil
	}
	if cur.RefreshToken == "" {
		return Credential{}, &Error{Kind: ReauthRequired, Op: "ensure", Err: fmt.Errorf("no credential")}
	}
	return m.refresh(ctx, "")
}

// ForceRefresh refreshes even when the cached token looks valid, unless the
// cached token already differs from stale (another caller refreshed it).
func (m *Manager) ForceRefresh(ctx context.Context, stale string) (Credential, error) {
	cur := m.current()
	if stale != "" && cur.AccessToken != stale && cur.ValidFor(0, m.now()) {
		return cur, nil
	}
	if cur.RefreshToken == "" {
		return Credential{}, &Error{Kind: ReauthRequired, Op: "refresh", Err: fmt.Errorf("no refresh token")}
	}
	return m.refresh(ctx, stale)
}

func (m *Manager) refresh(ctx context.Context, stale string) (Credential, error) {
	ch := m.flight.DoChan(refreshFlightKey, func() (interface{}, error) {
		// the previous flight may have finished between our check and now.
		// cur and epoch are read together so they describe the same lineage.
		m.writeMu.Lock()
		cur, epoch := m.current(), m.epoch
		m.writeMu.Unlock()
		if stale == "" && cur.ValidFor(m.cfg.RefreshMargin, m.now()) {
			return cur, nil
		}
		if stale != "" && cur.AccessToken != stale && cur.ValidFor(0, m.now()) {
			return cur, nil
		}
		// detached: one caller giving up must not fail the others
		return m.doRefresh(context.WithoutCancel(ctx), cur, epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, &Error{Kind: Transient, Op: "refresh", Err: ctx.Err()}
	}
}

func (m *Manager) doRefresh(ctx context.Context, cur Credential, epoch uint64) (Credential, error) {
	if cur.RefreshToken == "" {
		return Credential{}, &Error{Kind: ReauthRequired, Op: "refresh", Err: fmt.Errorf("no refresh token")}
	}
	m.refreshN.Add(1)
	m.log.Debugf("refreshing access token (stale=%s)", logger.Redact(cur.AccessToken))

	tr, status, err := m.postToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cur.RefreshToken,
	})
	switch {
	case err != nil:
		return Credential{}, &Error{Kind: Transient, Op: "refresh", Err: err}
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		m.writeMu.Lock()
		if m.epoch != epoch {
			m.writeMu.Unlock()
			return m.superseded()
		}
		m.log.Warnf("refresh token rejected (status %d: %s); credential cleared", status, tr.describe())
		if cerr := m.clearLocked(); cerr != nil {
			m.log.Errorf("clear rejected credential: %v", cerr)
		}
		m.writeMu.Unlock()
		return Credential{}, &Error{Kind: ReauthRequired, Op: "refresh", Err: fmt.Errorf("refresh token rejected: %s", tr.describe())}
	case status < 200 || status >= 300:
		return Credential{}, &Error{Kind: Transient, Op: "refresh", Err: fmt.Errorf("token endpoint status %d", status)}
	}

	cred, err := tr.credential(cur, m.now())
	if err != nil {
		return Credential{}, &Error{Kind: Transient, Op: "refresh", Err: err}
	}
	m.writeMu.Lock()
	if m.epoch != epoch {
		m.writeMu.Unlock()
		return m.superseded()
	}
	m.persistLocked(cred)
	m.writeMu.Unlock()
	m.log.Infof("access token refreshed (expires %s)", cred.ExpiresAt.Format(time.RFC3339))
	return cred, nil
}

// superseded answers a refresh whose credential was cleared or replaced while
// it was on the wire. Its result is dropped.
func (m *Manager) superseded() (Credential, error) {
	m.log.Infof("refresh result dropped: credential changed while refreshing")
	if cur := m.current(); cur.ValidFor(0, m.now()) {
		return cur, nil
	}
	return Credential{}, &Error{Kind: ReauthRequired, Op: "refresh", Err: fmt.Errorf("credential cleared during refresh")}
}

// persistLocked persists first, then swaps the in-memory credential. A
// persistence failure is logged; the token is still usable for this process.
// Caller holds writeMu.
func (m *Manager) persistLocked(c Credential) {
	b, err := json.Marshal(c)
	if err == nil {
		err = m.store.Put(CredentialKey, string(b))
	}
	if err != nil {
		m.log.Errorf("persist credential: %v", err)
	}
	m.mu.Lock()
	m.cred = c
	m.mu.Unlock()
}

// ClearTokens wipes the in-memory and persisted credential. Later calls to
// EnsureValidToken fail with ReauthRequired until Authenticate succeeds, even
// if a refresh was already in flight.
func (m *Manager) ClearTokens() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.epoch++
	return m.clearLocked()
}

func (m *Manager) clearLocked() error {
	m.mu.Lock()
	m.cred = Credential{}
	m.mu.Unlock()
	return m.store.Delete(CredentialKey)
}

// IsTokenValid checks in-memory expiry only. Do not use it to gate calls.
func (m *Manager) IsTokenValid() bool {
	return m.current().ValidFor(0, m.now())
}

func (m *Manager) CustomerID() string {
	return m.current().CustomerID
}

// Current returns the cached credential without refreshing.
func (m *Manager) Current() Credential {
	return m.current()
}

// RefreshCount is the number of refresh round trips issued so far.
func (m *Manager) RefreshCount() int64 {
	return m.refreshN.Load()
}

func (m *Manager) current() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	IDToken          string `json:"id_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (t tokenResponse) describe() string {
	if t.ErrorDescription != "" {
		return t.Error + ": " + t.ErrorDescription
	}
	if t.Error != "" {
		return t.Error
	}
	return "no detail"
}

// credential builds the next Credential. Fields the server omitted (refresh
// token on refresh, customer id) are carried over from prev.
func (t tokenResponse) credential(prev Credential, now time.Time) (Credential, error) {
	if t.AccessToken == "" {
		return Credential{}, fmt.Errorf("token response has no access_token")
	}
	expiresIn := time.Duration(t.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 30 * time.Minute
	}
	c := Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    now.Add(expiresIn),
		CustomerID:   prev.CustomerID,
	}
	if c.RefreshToken == "" {
		c.RefreshToken = prev.RefreshToken
	}
	if sub := subjectOf(t.IDToken); sub != "" {
		c.CustomerID = sub
	}
	return c, nil
}

// subjectOf reads the id_token subject without verifying the signature; the
// token came straight from the token endpoint over TLS.
func subjectOf(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	return claims.Subject
}

func (m *Manager) postToken(ctx context.Context, form map[string]string) (tokenResponse, int, error) {
	resp, err := m.http.DoRequest(ctx, http.MethodPost, m.cfg.TokenURL, &sdkhttp.RequestOptions{
		Form:      form,
		BasicUser: m.cfg.ClientID,
		BasicPass: m.cfg.ClientSecret,
	}, nil)
	if err != nil {
		return tokenResponse{}, 0, err
	}
	var tr tokenResponse
	if body := resp.Body(); len(body) > 0 {
		if jerr := json.Unmarshal(body, &tr); jerr != nil && resp.IsSuccess() {
			return tokenResponse{}, resp.StatusCode(), fmt.Errorf("decode token response: %w", jerr)
		}
	}
	return tr, resp.StatusCode(), nil
}
