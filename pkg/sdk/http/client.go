package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const defaultUserAgent = "schwabstream/1.0"

// Client is a thin resty wrapper. It never retries on its own: callers own the
// retry policy (401 refresh, caller-directed 5xx retry).
type Client struct {
	client *resty.Client
}

func NewClient(host string, timeout time.Duration) *Client {
	host = strings.TrimSuffix(host, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// resty picks proxy settings up from HTTP_PROXY / HTTPS_PROXY
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetRetryCount(0)
	return &Client{client: client}
}

// Resty exposes the underlying client (tests swap transports through it).
func (c *Client) Resty() *resty.Client {
	return c.client
}

type RequestOptions struct {
	Headers   map[string]string
	Data      any
	Form      map[string]string
	Params    map[string]any
	BasicUser string
	BasicPass string
	Bearer    string
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", defaultUserAgent)
	return r
}

// DoRequest executes one request. A non-nil error means the transport failed
// (no HTTP status); status handling is left to the caller.
func (c *Client) DoRequest(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) (*resty.Response, error) {
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParamsFromValues(toValues(opt.Params))
		}
		if opt.BasicUser != "" {
			rc.SetBasicAuth(opt.BasicUser, opt.BasicPass)
		}
		if opt.Bearer != "" {
			rc.SetAuthToken(opt.Bearer)
		}
		switch {
		case opt.Form != nil:
			rc.SetFormData(opt.Form)
		case opt.Data != nil:
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}
	if out != nil {
		rc.SetResult(out)
	}

	var (
		resp *resty.Response
		err  error
	)
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = rc.Get(endpoint)
	case http.MethodPost:
		resp, err = rc.Post(endpoint)
	case http.MethodDelete:
		resp, err = rc.Delete(endpoint)
	case http.MethodPut:
		resp, err = rc.Put(endpoint)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
	if err != nil {
		return resp, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	return resp, nil
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = []string{strings.Join(t, ",")}
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}

// ErrorBody is the union of the error shapes brokers and OAuth servers return.
type ErrorBody struct {
	Message          string   `json:"message"`
	Error            string   `json:"error"`
	ErrorDescription string   `json:"error_description"`
	Errors           []string `json:"errors"`
}

// ParseErrorBody extracts a (code, message) pair from a non-2xx body.
func ParseErrorBody(resp *resty.Response) (code, message string) {
	if resp == nil {
		return "", ""
	}
	b := resp.Body()
	var body ErrorBody
	if err := json.Unmarshal(b, &body); err != nil {
		return "", strings.TrimSpace(string(b))
	}
	code = body.Error
	switch {
	case body.ErrorDescription != "":
		message = body.ErrorDescription
	case body.Message != "":
		message = body.Message
	case len(body.Errors) > 0:
		message = strings.Join(body.Errors, "; ")
	default:
		message = strings.TrimSpace(string(b))
	}
	return code, message
}
