package rest

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// AccountNumber pairs the plain account number with the hash the trader API
// expects in every account path.
type AccountNumber struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

type Instrument struct {
	AssetType   string `json:"assetType"`
	Symbol      string `json:"symbol"`
	CUSIP       string `json:"cusip,omitempty"`
	Description string `json:"description,omitempty"`
}

type Position struct {
	Instrument              Instrument      `json:"instrument"`
	LongQuantity            decimal.Decimal `json:"longQuantity"`
	ShortQuantity           decimal.Decimal `json:"shortQuantity"`
	AveragePrice            decimal.Decimal `json:"averagePrice"`
	MarketValue             decimal.Decimal `json:"marketValue"`
	CurrentDayProfitLoss    decimal.Decimal `json:"currentDayProfitLoss"`
	CurrentDayProfitLossPct decimal.Decimal `json:"currentDayProfitLossPercentage"`
}

type SecuritiesAccount struct {
	Type            string          `json:"type"`
	AccountNumber   string          `json:"accountNumber"`
	IsDayTrader     bool            `json:"isDayTrader"`
	Positions       []Position      `json:"positions,omitempty"`
	CurrentBalances json.RawMessage `json:"currentBalances,omitempty"`
}

type Account struct {
	SecuritiesAccount SecuritiesAccount `json:"securitiesAccount"`
}

// Order is the server's view of an order. Only the fields this client acts on
// are typed.
type Order struct {
	OrderID           int64           `json:"orderId"`
	AccountNumber     json.Number     `json:"accountNumber"`
	Status            string          `json:"status"`
	OrderType         string          `json:"orderType"`
	Session           string          `json:"session"`
	Duration          string          `json:"duration"`
	Quantity          decimal.Decimal `json:"quantity"`
	FilledQuantity    decimal.Decimal `json:"filledQuantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	Price             decimal.Decimal `json:"price"`
	EnteredTime       string          `json:"enteredTime"`
	CloseTime         string          `json:"closeTime,omitempty"`
	Cancelable        bool            `json:"cancelable"`
	Editable          bool            `json:"editable"`
}

func (o Order) ID() string {
	return strconv.FormatInt(o.OrderID, 10)
}

type QuoteData struct {
	BidPrice    decimal.Decimal `json:"bidPrice"`
	BidSize     int64           `json:"bidSize"`
	AskPrice    decimal.Decimal `json:"askPrice"`
	AskSize     int64           `json:"askSize"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	TotalVolume int64           `json:"totalVolume"`
	QuoteTime   int64           `json:"quoteTime"`
}

type Quote struct {
	Symbol        string    `json:"symbol"`
	AssetMainType string    `json:"assetMainType"`
	Realtime      bool      `json:"realtime"`
	Quote         QuoteData `json:"quote"`
}

type Candle struct {
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   int64           `json:"volume"`
	Datetime int64           `json:"datetime"` // epoch millis
}

type PriceHistory struct {
	Symbol  string   `json:"symbol"`
	Empty   bool     `json:"empty"`
	Candles []Candle `json:"candles"`
}

// PriceHistoryParams maps onto the pricehistory query string. Zero values are
// left out so the server defaults apply.
type PriceHistoryParams struct {
	PeriodType            string
	Period                int
	FrequencyType         string
	Frequency             int
	StartDate             int64 // epoch millis
	EndDate               int64
	NeedExtendedHoursData bool
}

func (p PriceHistoryParams) query(symbol string) map[string]any {
	q := map[string]any{"symbol": symbol}
	if p.PeriodType != "" {
		q["periodType"] = p.PeriodType
	}
	if p.Period > 0 {
		q["period"] = p.Period
	}
	if p.FrequencyType != "" {
		q["frequencyType"] = p.FrequencyType
	}
	if p.Frequency > 0 {
		q["frequency"] = p.Frequency
	}
	if p.StartDate > 0 {
		q["startDate"] = p.StartDate
	}
	if p.EndDate > 0 {
		q["endDate"] = p.EndDate
	}
	if p.NeedExtendedHoursData {
		q["needExtendedHoursData"] = true
	}
	return q
}

// StreamerInfo is what the stream login needs from the preferences endpoint.
type StreamerInfo struct {
	SocketURL  string `json:"streamerSocketUrl"`
	CustomerID string `json:"schwabClientCustomerId"`
	CorrelID   string `json:"schwabClientCorrelId"`
	Channel    string `json:"schwabClientChannel"`
	FunctionID string `json:"schwabClientFunctionId"`
}

type PreferenceAccount struct {
	AccountNumber      string `json:"accountNumber"`
	PrimaryAccount     bool   `json:"primaryAccount"`
	Type               string `json:"type"`
	NickName           string `json:"nickName"`
	DisplayAcctID      string `json:"displayAcctId"`
	AutoPositionEffect bool   `json:"autoPositionEffect"`
}

type Preferences struct {
	Accounts     []PreferenceAccount `json:"accounts"`
	StreamerInfo StreamerInfo        `json:"-"`
}

type preferencesWire struct {
	Accounts     []PreferenceAccount `json:"accounts"`
	StreamerInfo []StreamerInfo      `json:"streamerInfo"`
}
