package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Every enum maps to its wire string through an exhaustive switch; adding a
// constant without a case fails validation instead of sending garbage.

func (i Instruction) wire() (string, error) {
	switch i {
	case InstructionBuy:
		return "BUY", nil
	case InstructionSell:
		return "SELL", nil
	case InstructionBuyToCover:
		return "BUY_TO_COVER", nil
	case InstructionSellShort:
		return "SELL_SHORT", nil
	}
	return "", fmt.Errorf("unknown instruction %d", int(i))
}

func (t OrderType) wire() (string, error) {
	switch t {
	case OrderTypeMarket:
		return "MARKET", nil
	case OrderTypeLimit:
		return "LIMIT", nil
	case OrderTypeStop:
		return "STOP", nil
	case OrderTypeStopLimit:
		return "STOP_LIMIT", nil
	}
	return "", fmt.Errorf("unknown order type %d", int(t))
}

func (s Session) wire() (string, error) {
	switch s {
	case SessionNormal:
		return "NORMAL", nil
	case SessionAM:
		return "AM", nil
	case SessionPM:
		return "PM", nil
	case SessionSeamless:
		return "SEAMLESS", nil
	}
	return "", fmt.Errorf("unknown session %d", int(s))
}

func (d Duration) wire() (string, error) {
	switch d {
	case DurationDay:
		return "DAY", nil
	case DurationGTC:
		return "GOOD_TILL_CANCEL", nil
	case DurationFOK:
		return "FILL_OR_KILL", nil
	case DurationIOC:
		return "IMMEDIATE_OR_CANCEL", nil
	}
	return "", fmt.Errorf("unknown duration %d", int(d))
}

func (i Instruction) String() string { s, _ := i.wire(); return s }
func (t OrderType) String() string   { s, _ := t.wire(); return s }
func (s Session) String() string     { w, _ := s.wire(); return w }
func (d Duration) String() string    { s, _ := d.wire(); return s }

// ParseInstruction accepts the wire name, case-insensitively.
func ParseInstruction(s string) (Instruction, error) {
	for _, v := range []Instruction{InstructionBuy, InstructionSell, InstructionBuyToCover, InstructionSellShort} {
		if strings.EqualFold(v.String(), normalizeName(s)) {
			return v, nil
		}
	}
	return 0, &ValidationError{Field: "instruction", Reason: fmt.Sprintf("unknown value %q", s)}
}

func ParseOrderType(s string) (OrderType, error) {
	for _, v := range []OrderType{OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit} {
		if strings.EqualFold(v.String(), normalizeName(s)) {
			return v, nil
		}
	}
	return 0, &ValidationError{Field: "orderType", Reason: fmt.Sprintf("unknown value %q", s)}
}

func ParseSession(s string) (Session, error) {
	for _, v := range []Session{SessionNormal, SessionAM, SessionPM, SessionSeamless} {
		if strings.EqualFold(v.String(), normalizeName(s)) {
			return v, nil
		}
	}
	return 0, &ValidationError{Field: "session", Reason: fmt.Sprintf("unknown value %q", s)}
}

// ParseDuration also accepts the short forms GTC, FOK and IOC.
func ParseDuration(s string) (Duration, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GTC":
		return DurationGTC, nil
	case "FOK":
		return DurationFOK, nil
	case "IOC":
		return DurationIOC, nil
	}
	for _, v := range []Duration{DurationDay, DurationGTC, DurationFOK, DurationIOC} {
		if strings.EqualFold(v.String(), normalizeName(s)) {
			return v, nil
		}
	}
	return 0, &ValidationError{Field: "duration", Reason: fmt.Sprintf("unknown value %q", s)}
}

func normalizeName(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "-", "_")
}

// WireOrder is the JSON body the order endpoints accept.
type WireOrder struct {
	OrderType          string           `json:"orderType"`
	Session            string           `json:"session"`
	Duration           string           `json:"duration"`
	OrderStrategyType  string           `json:"orderStrategyType"`
	Price              *WirePrice     `json:"price,omitempty"`
	StopPrice          *WirePrice     `json:"stopPrice,omitempty"`
	OrderLegCollection []WireOrderLeg `json:"orderLegCollection"`
}

// WirePrice is a bare JSON number with at least two decimals: 150 goes out
// as 150.00, 0.1234 keeps its four places.
type WirePrice decimal.Decimal

func (p WirePrice) MarshalJSON() ([]byte, error) {
	d := decimal.Decimal(p)
	places := int32(2)
	if e := -d.Exponent(); e > places {
		places = e
	}
	return []byte(d.StringFixed(places)), nil
}

func (p *WirePrice) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*p = WirePrice(d)
	return nil
}

func (p WirePrice) Decimal() decimal.Decimal { return decimal.Decimal(p) }

type WireOrderLeg struct {
	Instruction string         `json:"instruction"`
	Quantity    int64          `json:"quantity"`
	Instrument  WireInstrument `json:"instrument"`
}

type WireInstrument struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"assetType"`
}

// ToWire validates and converts. It is pure: no I/O, no mutation.
func (r OrderRequest) ToWire() (WireOrder, error) {
	if err := r.Validate(); err != nil {
		return WireOrder{}, err
	}
	// Validate already rejected unknown enum values
	instruction, _ := r.Instruction.wire()
	orderType, _ := r.OrderType.wire()
	session, _ := r.Session.wire()
	duration, _ := r.Duration.wire()

	w := WireOrder{
		OrderType:         orderType,
		Session:           session,
		Duration:          duration,
		OrderStrategyType: "SINGLE",
		OrderLegCollection: []WireOrderLeg{{
			Instruction: instruction,
			Quantity:    r.Quantity,
			Instrument: WireInstrument{
				Symbol:    strings.ToUpper(strings.TrimSpace(r.Symbol)),
				AssetType: "EQUITY",
			},
		}},
	}
	if r.Price != nil && (r.OrderType == OrderTypeLimit || r.OrderType == OrderTypeStopLimit) {
		p := WirePrice(*r.Price)
		w.Price = &p
	}
	if r.StopPrice != nil && (r.OrderType == OrderTypeStop || r.OrderType == OrderTypeStopLimit) {
		p := WirePrice(*r.StopPrice)
		w.StopPrice = &p
	}
	return w, nil
}

// MarshalWire returns the exact bytes that would be submitted.
func (r OrderRequest) MarshalWire() ([]byte, error) {
	w, err := r.ToWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}
