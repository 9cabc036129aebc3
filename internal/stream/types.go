package stream

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/betbot/schwabstream/internal/events"
)

// Channel is a subscribable feed family.
type Channel int

const (
	Equities Channel = iota
	Options
	AccountActivity
)

var channelNames = map[Channel]string{
	Equities:        "equities",
	Options:         "options",
	AccountActivity: "account_activity",
}

func (c Channel) String() string {
	if n, ok := channelNames[c]; ok {
		return n
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

func (c Channel) MarshalText() ([]byte, error) {
	if _, ok := channelNames[c]; !ok {
		return nil, fmt.Errorf("unknown channel %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Channel) UnmarshalText(b []byte) error {
	v, err := ParseChannel(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ParseChannel(s string) (Channel, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	for c, name := range channelNames {
		if n == name {
			return c, nil
		}
	}
	switch n {
	case "equity", "levelone_equities":
		return Equities, nil
	case "option", "levelone_options":
		return Options, nil
	case "account", "acct_activity":
		return AccountActivity, nil
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

// SubscriptionKey names one feed: a symbol for quote channels, an account id
// for account activity.
type SubscriptionKey struct {
	Channel Channel `json:"channel"`
	Key     string  `json:"key"`
}

// Normalize upper-cases symbols and trims whitespace. Account ids keep their case.
func (k SubscriptionKey) Normalize() SubscriptionKey {
	k.Key = strings.TrimSpace(k.Key)
	if k.Channel != AccountActivity {
		k.Key = strings.ToUpper(k.Key)
	}
	return k
}

func (k SubscriptionKey) String() string {
	return k.Channel.String() + ":" + k.Key
}

func EquityQuote(symbol string) SubscriptionKey {
	return SubscriptionKey{Channel: Equities, Key: symbol}.Normalize()
}

func OptionQuote(symbol string) SubscriptionKey {
	return SubscriptionKey{Channel: Options, Key: symbol}.Normalize()
}

func AccountFeed(accountID string) SubscriptionKey {
	return SubscriptionKey{Channel: AccountActivity, Key: accountID}.Normalize()
}

func sortKeys(keys []SubscriptionKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Channel != keys[j].Channel {
			return keys[i].Channel < keys[j].Channel
		}
		return keys[i].Key < keys[j].Key
	})
}

// State of the session. Transitions are driven only by the owning loop.
type State int

const (
	Disconnected State = iota
	Connecting
	LoggingIn
	Active
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case LoggingIn:
		return "LoggingIn"
	case Active:
		return "Active"
	case Reconnecting:
		return "Reconnecting"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Error is a session-level failure.
type Error struct {
	Kind   events.ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	s := "stream " + string(e.Kind)
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal errors stop automatic recovery.
func (e *Error) Fatal() bool {
	return e.Kind == events.ErrLoginRejected || e.Kind == events.ErrMaxReconnectAttemptsExceeded
}

// Stats are cumulative counters since construction.
type Stats struct {
	FramesReceived    uint64    `json:"framesReceived"`
	DataMessages      uint64    `json:"dataMessages"`
	MalformedMessages uint64    `json:"malformedMessages"`
	HeartbeatsSent    uint64    `json:"heartbeatsSent"`
	LoginsSent        uint64    `json:"loginsSent"`
	Reconnects        uint64    `json:"reconnects"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
}
