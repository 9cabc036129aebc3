package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/schwabstream/internal/stream"
)

var log = logrus.WithField("component", "websocket")

// Dialer opens gorilla websocket connections for the stream session.
type Dialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ProxyURL wins over HTTP(S)_PROXY from the environment.
	ProxyURL string
	// ReadLimit caps a single inbound message; 0 keeps gorilla's default.
	ReadLimit int64
}

func NewDialer(proxyURL string, writeTimeout time.Duration) *Dialer {
	return &Dialer{
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     writeTimeout,
		ProxyURL:         proxyURL,
		ReadLimit:        4 << 20,
	}
}

func (d *Dialer) Dial(ctx context.Context, rawURL string) (stream.Conn, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("empty websocket url")
	}
	wd := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	proxy := d.ProxyURL
	if proxy == "" {
		proxy = getProxyFromEnv()
	}
	if proxy != "" {
		if u, err := url.Parse(proxy); err != nil {
			log.Warnf("invalid proxy url %q, dialing directly: %v", proxy, err)
		} else {
			wd.Proxy = http.ProxyURL(u)
			log.Debugf("dialing %s through proxy %s", rawURL, u.Host)
		}
	}

	ws, resp, err := wd.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &Conn{ws: ws, writeTimeout: wt}, nil
}

// Conn adapts *websocket.Conn to stream.Conn. Gorilla allows one concurrent
// reader and one concurrent writer, which is exactly how the session uses it.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *Conn) ReadMessage() ([]byte, error) {
	_, b, err := c.ws.ReadMessage()
	return b, err
}

func (c *Conn) WriteMessage(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame (best effort) and closes the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func getProxyFromEnv() string {
	for _, v := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if proxy := strings.TrimSpace(os.Getenv(v)); proxy != "" {
			return proxy
		}
	}
	return ""
}
