// Package statusapi exposes session and order state over a small local HTTP API.
package statusapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/schwabstream/internal/domain"
	"github.com/betbot/schwabstream/internal/journal"
	"github.com/betbot/schwabstream/internal/metrics"
	"github.com/betbot/schwabstream/internal/stream"
)

var log = logrus.WithField("component", "statusapi")

// Stream is the part of the session the API reads and drives.
type Stream interface {
	State() stream.State
	CorrelationID() string
	Subscriptions() []stream.SubscriptionKey
	Stats() stream.Stats
	Connect() error
	Disconnect(ctx context.Context) error
	Subscribe(keys ...stream.SubscriptionKey) error
	Unsubscribe(keys ...stream.SubscriptionKey) error
}

type Orders interface {
	List() []domain.OutstandingOrder
}

type Tokens interface {
	IsTokenValid() bool
	CustomerID() string
}

type History interface {
	History(ctx context.Context, orderID string) ([]journal.Entry, error)
}

// Server holds the collaborators. Any of them may be nil; the matching routes
// then answer 503.
type Server struct {
	Stream  Stream
	Orders  Orders
	Tokens  Tokens
	History History

	srv *http.Server
}

type streamStatus struct {
	State         string                   `json:"state"`
	CorrelationID string                   `json:"correlationId,omitempty"`
	Subscriptions []stream.SubscriptionKey `json:"subscriptions"`
	Stats         stream.Stats             `json:"stats"`
}

type subscriptionRequest struct {
	Channel string   `json:"channel" binding:"required"`
	Keys    []string `json:"keys" binding:"required,min=1"`
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/debug/*path", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")

	st := api.Group("/stream")
	st.GET("", s.handleStreamStatus)
	st.POST("/connect", s.handleStreamConnect)
	st.POST("/disconnect", s.handleStreamDisconnect)
	st.POST("/subscribe", s.handleSubscribe)
	st.POST("/unsubscribe", s.handleUnsubscribe)

	api.GET("/orders", s.handleOrders)
	api.GET("/orders/:orderID/history", s.handleOrderHistory)
	api.GET("/auth", s.handleAuth)

	return r
}

// Start listens on addr in the background. The returned address is the bound
// one, so ":0" works.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("status api stopped: %v", err)
		}
	}()
	log.Infof("status api listening on http://%s", ln.Addr())
	return ln.Addr().String(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStreamStatus(c *gin.Context) {
	if s.Stream == nil {
		unavailable(c, "stream")
		return
	}
	c.JSON(http.StatusOK, streamStatus{
		State:         s.Stream.State().String(),
		CorrelationID: s.Stream.CorrelationID(),
		Subscriptions: s.Stream.Subscriptions(),
		Stats:         s.Stream.Stats(),
	})
}

func (s *Server) handleStreamConnect(c *gin.Context) {
	if s.Stream == nil {
		unavailable(c, "stream")
		return
	}
	if err := s.Stream.Connect(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": s.Stream.State().String()})
}

func (s *Server) handleStreamDisconnect(c *gin.Context) {
	if s.Stream == nil {
		unavailable(c, "stream")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := s.Stream.Disconnect(ctx); err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.Stream.State().String()})
}

func (s *Server) handleSubscribe(c *gin.Context) {
	s.changeSubscriptions(c, func(keys []stream.SubscriptionKey) error { return s.Stream.Subscribe(keys...) })
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	s.changeSubscriptions(c, func(keys []stream.SubscriptionKey) error { return s.Stream.Unsubscribe(keys...) })
}

func (s *Server) changeSubscriptions(c *gin.Context, apply func([]stream.SubscriptionKey) error) {
	if s.Stream == nil {
		unavailable(c, "stream")
		return
	}
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := stream.ParseChannel(req.Channel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	keys := make([]stream.SubscriptionKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, stream.SubscriptionKey{Channel: ch, Key: k}.Normalize())
		}
	}
	if len(keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no keys"})
		return
	}
	if err := apply(keys); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"keys": keys})
}

func (s *Server) handleOrders(c *gin.Context) {
	if s.Orders == nil {
		unavailable(c, "orders")
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": s.Orders.List()})
}

func (s *Server) handleOrderHistory(c *gin.Context) {
	if s.History == nil {
		unavailable(c, "journal")
		return
	}
	entries, err := s.History.History(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no history for order"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleAuth(c *gin.Context) {
	if s.Tokens == nil {
		unavailable(c, "auth")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokenValid": s.Tokens.IsTokenValid(),
		"customerId": s.Tokens.CustomerID(),
	})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
