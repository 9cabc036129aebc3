package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Streamer services and commands.
const (
	ServiceAdmin           = "ADMIN"
	ServiceLevelOneEquity  = "LEVELONE_EQUITIES"
	ServiceLevelOneOption  = "LEVELONE_OPTIONS"
	ServiceAccountActivity = "ACCT_ACTIVITY"

	CommandLogin  = "LOGIN"
	CommandLogout = "LOGOUT"
	CommandSubs   = "SUBS"
	CommandAdd    = "ADD"
	CommandUnsubs = "UNSUBS"
	CommandQOS    = "QOS"
)

// Response codes the session acts on.
const (
	CodeSuccess     = 0
	CodeLoginDenied = 3
)

var serviceByChannel = map[Channel]string{
	Equities:        ServiceLevelOneEquity,
	Options:         ServiceLevelOneOption,
	AccountActivity: ServiceAccountActivity,
}

// ServiceFor returns the streamer service carrying ch.
func ServiceFor(ch Channel) string {
	return serviceByChannel[ch]
}

// ChannelFor classifies a data payload by its service.
func ChannelFor(service string) (Channel, bool) {
	for ch, svc := range serviceByChannel {
		if strings.EqualFold(svc, service) {
			return ch, true
		}
	}
	return 0, false
}

// Request is one entry of an outbound "requests" frame.
type Request struct {
	Service    string            `json:"service"`
	RequestID  string            `json:"requestid"`
	Command    string            `json:"command"`
	CustomerID string            `json:"SchwabClientCustomerId"`
	CorrelID   string            `json:"SchwabClientCorrelId"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type requestFrame struct {
	Requests []Request `json:"requests"`
}

func EncodeRequests(reqs ...Request) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, errors.New("no requests to encode")
	}
	return json.Marshal(requestFrame{Requests: reqs})
}

// DecodeRequests parses an outbound frame; the session never needs it, fakes
// and tools do.
func DecodeRequests(b []byte) ([]Request, error) {
	var f requestFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f.Requests, nil
}

type ResponseContent struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type Response struct {
	Service   string          `json:"service"`
	Command   string          `json:"command"`
	RequestID string          `json:"requestid"`
	CorrelID  string          `json:"SchwabClientCorrelId"`
	Timestamp int64           `json:"timestamp"`
	Content   ResponseContent `json:"content"`
}

type Data struct {
	Service   string          `json:"service"`
	Command   string          `json:"command"`
	Timestamp int64           `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
}

type Notify struct {
	Heartbeat string           `json:"heartbeat,omitempty"`
	Service   string           `json:"service,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
	Content   *ResponseContent `json:"content,omitempty"`
}

// Frame is one inbound message. A server frame carries at least one of the
// three arrays.
type Frame struct {
	Response []Response `json:"response,omitempty"`
	Data     []Data     `json:"data,omitempty"`
	Notify   []Notify   `json:"notify,omitempty"`
}

// DecodeFrame rejects anything that is not a JSON object with at least one
// known section.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return f, fmt.Errorf("frame is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	if len(f.Response) == 0 && len(f.Data) == 0 && len(f.Notify) == 0 {
		return f, fmt.Errorf("frame has no response, data or notify section")
	}
	return f, nil
}

// validContent reports whether a data payload is a JSON array.
func validContent(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) >= 2 && t[0] == '[' && json.Valid(t)
}

// DefaultFields are used for channels with no configured field list.
var DefaultFields = map[Channel]string{
	Equities:        "0,1,2,3,4,5,8,10,33",
	Options:         "0,2,3,4,8,9,10,28,29,30,31",
	AccountActivity: "0,1,2,3",
}
