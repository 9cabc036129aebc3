package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/betbot/schwabstream/internal/domain"
	sdkhttp "github.com/betbot/schwabstream/pkg/sdk/http"
)

const orderTimeLayout = "2006-01-02T15:04:05.000Z"

func accountPath(accountHash string, parts ...string) string {
	p := "/accounts/" + url.PathEscape(accountHash)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p
}

// AccountNumbers lists plain account numbers with their path hashes.
func (c *Client) AccountNumbers(ctx context.Context) ([]AccountNumber, error) {
	var out []AccountNumber
	err := c.getJSON(ctx, c.trader, groupTrader, "/accounts/accountNumbers", nil, &out)
	return out, err
}

func (c *Client) Accounts(ctx context.Context, withPositions bool) ([]Account, error) {
	var params map[string]any
	if withPositions {
		params = map[string]any{"fields": "positions"}
	}
	var out []Account
	err := c.getJSON(ctx, c.trader, groupTrader, "/accounts", params, &out)
	return out, err
}

func (c *Client) Account(ctx context.Context, accountHash string, withPositions bool) (Account, error) {
	var params map[string]any
	if withPositions {
		params = map[string]any{"fields": "positions"}
	}
	var out Account
	err := c.getJSON(ctx, c.trader, groupTrader, accountPath(accountHash), params, &out)
	return out, err
}

func (c *Client) Positions(ctx context.Context, accountHash string) ([]Position, error) {
	acct, err := c.Account(ctx, accountHash, true)
	if err != nil {
		return nil, err
	}
	return acct.SecuritiesAccount.Positions, nil
}

// Orders lists orders entered in [from, to]. Zero times default to the last 24h.
func (c *Client) Orders(ctx context.Context, accountHash string, from, to time.Time) ([]Order, error) {
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	params := map[string]any{
		"fromEnteredTime": from.UTC().Format(orderTimeLayout),
		"toEnteredTime":   to.UTC().Format(orderTimeLayout),
	}
	var out []Order
	err := c.getJSON(ctx, c.trader, groupTrader, accountPath(accountHash, "orders"), params, &out)
	return out, err
}

// PlaceOrder submits req and returns the server-assigned order id.
func (c *Client) PlaceOrder(ctx context.Context, accountHash string, req domain.OrderRequest) (string, error) {
	body, err := req.ToWire()
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, c.trader, groupTrader, http.MethodPost, accountPath(accountHash, "orders"),
		&sdkhttp.RequestOptions{Data: body})
	if err != nil {
		return "", err
	}
	return orderIDFrom(resp)
}

// ReplaceOrder swaps orderID for req; the server cancels the old order and
// answers with the id of the new one.
func (c *Client) ReplaceOrder(ctx context.Context, accountHash, orderID string, req domain.OrderRequest) (string, error) {
	body, err := req.ToWire()
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, c.trader, groupTrader, http.MethodPut, accountPath(accountHash, "orders", orderID),
		&sdkhttp.RequestOptions{Data: body})
	if err != nil {
		return "", err
	}
	return orderIDFrom(resp)
}

func (c *Client) CancelOrder(ctx context.Context, accountHash, orderID string) error {
	_, err := c.do(ctx, c.trader, groupTrader, http.MethodDelete, accountPath(accountHash, "orders", orderID), nil)
	return err
}

// orderIDFrom reads the id from the Location header (".../orders/{id}") and
// falls back to an orderId field in the body.
func orderIDFrom(resp *resty.Response) (string, error) {
	if loc := strings.TrimSpace(resp.Header().Get("Location")); loc != "" {
		if u, err := url.Parse(loc); err == nil {
			if id := path.Base(strings.TrimSuffix(u.Path, "/")); id != "" && id != "." && id != "/" && id != "orders" {
				return id, nil
			}
		}
	}
	if b := resp.Body(); len(b) > 0 {
		var body struct {
			OrderID json.RawMessage `json:"orderId"`
		}
		if json.Unmarshal(b, &body) == nil && len(body.OrderID) > 0 {
			if id := strings.Trim(string(body.OrderID), `"`); id != "" && id != "null" {
				return id, nil
			}
		}
	}
	return "", &APIError{Kind: MissingOrderID, Status: resp.StatusCode(), Message: "response carries no order id"}
}

// Quote returns the quote for one symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	var out map[string]Quote
	if err := c.getJSON(ctx, c.market, groupMarketData, "/"+url.PathEscape(sym)+"/quotes", nil, &out); err != nil {
		return Quote{}, err
	}
	q, ok := out[sym]
	if !ok {
		return Quote{}, &APIError{Kind: ClientError, Status: http.StatusNotFound, Message: fmt.Sprintf("no quote for %s", sym)}
	}
	return q, nil
}

// Quotes returns quotes keyed by symbol. Unknown symbols are simply absent.
func (c *Client) Quotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	syms := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			syms = append(syms, s)
		}
	}
	if len(syms) == 0 {
		return map[string]Quote{}, nil
	}
	out := map[string]Quote{}
	err := c.getJSON(ctx, c.market, groupMarketData, "/quotes", map[string]any{"symbols": syms}, &out)
	return out, err
}

func (c *Client) PriceHistory(ctx context.Context, symbol string, p PriceHistoryParams) (PriceHistory, error) {
	var out PriceHistory
	err := c.getJSON(ctx, c.market, groupMarketData, "/pricehistory", p.query(strings.ToUpper(symbol)), &out)
	return out, err
}

// UserPreferences returns the account list and streamer connection info.
// Results are cached briefly so reconnect storms do not hit the endpoint.
func (c *Client) UserPreferences(ctx context.Context) (Preferences, error) {
	if p, ok := c.prefs.Get(preferencesKey); ok {
		return p, nil
	}
	var w preferencesWire
	if err := c.getJSON(ctx, c.trader, groupTrader, "/userPreference", nil, &w); err != nil {
		return Preferences{}, err
	}
	p := Preferences{Accounts: w.Accounts}
	if len(w.StreamerInfo) > 0 {
		p.StreamerInfo = w.StreamerInfo[0]
	}
	if p.StreamerInfo.SocketURL == "" {
		return Preferences{}, &APIError{Kind: ClientError, Status: http.StatusOK, Message: "preferences carry no streamer info"}
	}
	c.prefs.Set(preferencesKey, p, 0)
	return p, nil
}

// InvalidatePreferences drops the cached preferences, e.g. after a login
// rejection that may have been caused by stale streamer ids.
func (c *Client) InvalidatePreferences() {
	c.prefs.Delete(preferencesKey)
}
