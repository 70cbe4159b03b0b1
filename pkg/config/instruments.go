package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tez-core/pkg/exchanges/common"
)

var (
	ErrUnknownIndex = errors.New("unknown ul_index")
	ErrNoPrice      = errors.New("no underlying price to pick a strike")
)

// Instrument is one ul_index entry of the instruments file. Options
// (exchange NFO/BFO) pick a strike around the underlying price; anything
// else trades Symbol directly as an ETF.
type Instrument struct {
	ULIndex        string  `yaml:"-" json:"ul_index"`
	Symbol         string  `yaml:"symbol" json:"symbol"`
	Exchange       string  `yaml:"exchange" json:"exchange"`
	ExpiryDate     string  `yaml:"expiry_date" json:"expiry_date,omitempty"` // 02-Jan-2006
	StrikeDiff     int     `yaml:"strike_diff" json:"strike_diff,omitempty"`
	CEStrikeOffset int     `yaml:"ce_strike_offset" json:"ce_strike_offset"`
	PEStrikeOffset int     `yaml:"pe_strike_offset" json:"pe_strike_offset"`
	CEStrike       *int    `yaml:"ce_strike" json:"ce_strike,omitempty"`
	PEStrike       *int    `yaml:"pe_strike" json:"pe_strike,omitempty"`
	LotSize        int     `yaml:"lot_size" json:"lot_size"`
	FreezeQty      int     `yaml:"freeze_qty" json:"freeze_qty"`
	TickSize       float64 `yaml:"tick_size" json:"tick_size"`
	Quantity       int     `yaml:"quantity" json:"quantity"` // lots
	Legs           int     `yaml:"legs" json:"legs"`
	OrderProdType  string  `yaml:"order_prod_type" json:"order_prod_type"` // I, M or C
	ProfitPer      float64 `yaml:"profit_per" json:"profit_per"`
	StopLossPer    float64 `yaml:"stoploss_per" json:"stoploss_per"`
	UseOCO         bool    `yaml:"use_oco" json:"use_oco"`
}

type instrumentsFile struct {
	Instruments map[string]Instrument `yaml:"instruments"`
}

// Instruments is the parsed instruments file keyed by upper-case ul_index.
type Instruments map[string]Instrument

// LoadInstruments parses and validates a YAML instruments file.
func LoadInstruments(path string) (Instruments, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}
	return ParseInstruments(raw)
}

// ParseInstruments parses instruments YAML.
func ParseInstruments(raw []byte) (Instruments, error) {
	var f instrumentsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	out := make(Instruments, len(f.Instruments))
	for ul, in := range f.Instruments {
		in.ULIndex = strings.ToUpper(ul)
		if err := in.normalize(); err != nil {
			return nil, fmt.Errorf("instrument %s: %w", ul, err)
		}
		out[in.ULIndex] = in
	}
	if len(out) == 0 {
		return nil, errors.New("instruments file defines no instruments")
	}
	return out, nil
}

func (in *Instrument) normalize() error {
	if in.Symbol == "" {
		return errors.New("symbol is required")
	}
	if in.Exchange == "" {
		return errors.New("exchange is required")
	}
	in.Exchange = strings.ToUpper(in.Exchange)
	if in.LotSize <= 0 {
		in.LotSize = 1
	}
	if in.Quantity <= 0 {
		in.Quantity = 1
	}
	if in.Legs <= 0 {
		in.Legs = 1
	}
	if in.TickSize <= 0 {
		in.TickSize = 0.05
	}
	if in.IsOption() {
		if in.StrikeDiff <= 0 {
			return errors.New("strike_diff must be positive for options")
		}
		if _, err := time.Parse("02-Jan-2006", in.ExpiryDate); err != nil {
			return fmt.Errorf("expiry_date %q: %w", in.ExpiryDate, err)
		}
	}
	return nil
}

// IsOption reports whether the entry trades index options.
func (in Instrument) IsOption() bool {
	return in.Exchange == "NFO" || in.Exchange == "BFO"
}

// Product maps order_prod_type to the broker product.
func (in Instrument) Product() common.ProductType {
	switch strings.ToUpper(in.OrderProdType) {
	case "M":
		return common.ProductMargin
	case "C":
		return common.ProductDelivery
	}
	return common.ProductIntraday
}

// OrderQty is the configured quantity in units.
func (in Instrument) OrderQty() int {
	return in.Quantity * in.LotSize
}

// Selection is the tradable symbol chosen for an action.
type Selection struct {
	Symbol   string      `json:"symbol"`
	InstType string      `json:"inst_type"` // CE, PE or BEES
	Side     common.Side `json:"side"`
	Strike   int         `json:"strike,omitempty"`
}

// Select picks the symbol for action "Buy" or "Short". Options always buy:
// Buy takes a call and Short a put. ETFs buy on Buy and sell on Short.
// price is the underlying level (live LTP or the operator's trade price).
func (in Instrument) Select(action string, price float64) (Selection, error) {
	short := strings.EqualFold(action, "Short")
	if !in.IsOption() {
		side := common.SideBuy
		if short {
			side = common.SideSell
		}
		return Selection{Symbol: in.Symbol, InstType: "BEES", Side: side}, nil
	}
	if price <= 0 {
		return Selection{}, ErrNoPrice
	}
	diff := float64(in.StrikeDiff)
	lo := math.Floor(price/diff) * diff
	hi := math.Ceil(price/diff) * diff
	strike := int(hi)
	if math.Abs(price-lo) < math.Abs(price-hi) {
		strike = int(lo)
	}
	cp, typ, offset, fixed := "C", "CE", in.CEStrikeOffset, in.CEStrike
	if short {
		cp, typ, offset, fixed = "P", "PE", in.PEStrikeOffset, in.PEStrike
	}
	strike += offset * in.StrikeDiff
	if fixed != nil {
		strike = *fixed
	}
	exp, _ := time.Parse("02-Jan-2006", in.ExpiryDate)
	sym := fmt.Sprintf("%s%s%s%d", in.Symbol, strings.ToUpper(exp.Format("02Jan06")), cp, strike)
	return Selection{Symbol: sym, InstType: typ, Side: common.SideBuy, Strike: strike}, nil
}

// Classify maps a broker trading symbol back to its ul_index entry and type.
func (ins Instruments) Classify(symbol string) (Instrument, string, bool) {
	s := strings.ToUpper(symbol)
	for _, in := range ins.sorted() {
		prefix := strings.ToUpper(in.Symbol)
		if !in.IsOption() {
			if s == prefix {
				return in, "BEES", true
			}
			continue
		}
		// prefix + ddMONyy + C|P + strike
		if !strings.HasPrefix(s, prefix) || len(s) < len(prefix)+9 {
			continue
		}
		switch s[len(prefix)+7] {
		case 'C':
			return in, "CE", true
		case 'P':
			return in, "PE", true
		}
	}
	return Instrument{}, "", false
}

// sorted returns entries longest symbol first so NIFTY never shadows
// BANKNIFTY-style prefixes that share a stem.
func (ins Instruments) sorted() []Instrument {
	out := make([]Instrument, 0, len(ins))
	for _, in := range ins {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Symbol) != len(out[j].Symbol) {
			return len(out[i].Symbol) > len(out[j].Symbol)
		}
		return out[i].ULIndex < out[j].ULIndex
	})
	return out
}

// Get returns the entry for ul.
func (ins Instruments) Get(ul string) (Instrument, error) {
	in, ok := ins[strings.ToUpper(ul)]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownIndex, ul)
	}
	return in, nil
}

// Indices lists the configured ul_index names.
func (ins Instruments) Indices() []string {
	out := make([]string, 0, len(ins))
	for k := range ins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
