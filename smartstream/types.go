// Package smartstream implements the SmartStream vendor wire protocol: the
// positional binary tick format for LTP, quote and snap-quote packets, the
// acknowledgement frame, and the outbound JSON control frames used for
// authentication, subscription and periodic data requests.
package smartstream

import (
	"regexp"
	"time"
)

// Subscription modes. Each upstream connection is configured for exactly one.
type Mode int

const (
	ModeLTP       Mode = 1 // last traded price only
	ModeQuote     Mode = 2 // trade data without depth
	ModeSnapQuote Mode = 3 // full snapshot with best-five depth
)

// Actions on outbound control frames
const (
	ActionUnsubscribe = 0
	ActionSubscribe   = 1 // also carries the auth payload on the first frame
	ActionDataRequest = 2 // periodic nudge re-sending the current token list
)

// Exchange segment wire codes
const (
	ExchangeNSECode   byte = 1  // NSE cash
	ExchangeNFOCode   byte = 2  // NSE futures & options
	ExchangeBSECode   byte = 3  // BSE cash
	ExchangeBFOCode   byte = 4  // BSE futures & options
	ExchangeMCXCode   byte = 5  // MCX commodities
	ExchangeNCDEXCode byte = 7  // NCDEX commodities
	ExchangeCDSCode   byte = 13 // currency derivatives
)

// Exchange segment names (used in plan records and config)
const (
	ExchangeNSE   = "NSE"
	ExchangeNFO   = "NFO"
	ExchangeBSE   = "BSE"
	ExchangeBFO   = "BFO"
	ExchangeMCX   = "MCX"
	ExchangeNCDEX = "NCDEX"
	ExchangeCDS   = "CDS"
)

// AckStatusResubscribe is the acknowledgement status code that asks the
// client to re-send its full subscription list.
const AckStatusResubscribe = 307

// FrameKind classifies an inbound binary frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameAck
	FrameLTP
	FrameQuote
	FrameSnapQuote
)

// LTPTick is a decoded mode-1 packet.
type LTPTick struct {
	Mode         Mode
	Exchange     byte
	Token        int
	Sequence     uint64
	ExchangeTime time.Time // venue timestamp, epoch ms on the wire
	LastPrice    float64

	// Err carries per-field extraction problems. A tick with Err set is
	// partial: fields before the failure are valid, the rest are zero.
	Err error
}

// QuoteTick is a decoded mode-2 packet.
type QuoteTick struct {
	LTPTick
	LastQty      uint64
	AvgPrice     float64
	Volume       uint64
	TotalBuyQty  float64
	TotalSellQty float64
	Open         float64
	High         float64
	Low          float64
	Close        float64
}

// DepthLevel is one best-five order book level.
type DepthLevel struct {
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	Orders   int16   `json:"orders"`
}

// SnapQuoteTick is a decoded mode-3 packet.
type SnapQuoteTick struct {
	QuoteTick
	LastTradeTime time.Time
	OpenInterest  uint64
	OIChangePct   float64
	Buy           []DepthLevel // price-descending, at most 5
	Sell          []DepthLevel // price-ascending, at most 5
	UpperCircuit  float64
	LowerCircuit  float64
	High52W       float64
	Low52W        float64
}

// Ack is a decoded acknowledgement frame.
type Ack struct {
	MessageID string
	Status    uint16
}

// StatusEnvelope is the vendor's JSON text frame shape.
type StatusEnvelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Divisor returns the price divisor for an exchange segment. Currency
// derivatives quote with seven implied decimals, everything else with two.
func Divisor(exchange byte) float64 {
	if exchange == ExchangeCDSCode {
		return 10000000
	}
	return 100
}

// ExchangeCode maps an exchange segment name to its wire code.
// Unknown names map to NSE cash.
func ExchangeCode(name string) byte {
	switch name {
	case ExchangeNSE:
		return ExchangeNSECode
	case ExchangeNFO:
		return ExchangeNFOCode
	case ExchangeBSE:
		return ExchangeBSECode
	case ExchangeBFO:
		return ExchangeBFOCode
	case ExchangeMCX:
		return ExchangeMCXCode
	case ExchangeNCDEX:
		return ExchangeNCDEXCode
	case ExchangeCDS:
		return ExchangeCDSCode
	default:
		return ExchangeNSECode
	}
}

// ExchangeName maps a wire code back to its segment name.
func ExchangeName(code byte) string {
	switch code {
	case ExchangeNSECode:
		return ExchangeNSE
	case ExchangeNFOCode:
		return ExchangeNFO
	case ExchangeBSECode:
		return ExchangeBSE
	case ExchangeBFOCode:
		return ExchangeBFO
	case ExchangeMCXCode:
		return ExchangeMCX
	case ExchangeNCDEXCode:
		return ExchangeNCDEX
	case ExchangeCDSCode:
		return ExchangeCDS
	default:
		return ExchangeNSE
	}
}

// fnoSymbol matches derivative trading symbols such as NIFTY28AUG2524000PE
// or RELIANCE25SEPFUT.
var fnoSymbol = regexp.MustCompile(`\d[A-Z]*(FUT|CE|PE)$`)

// DetectExchange maps a free-form exchange or symbol string to a segment
// name. Recognised segment names pass through; strings shaped like F&O
// trading symbols resolve to NFO; anything else defaults to NSE cash.
func DetectExchange(s string) string {
	switch s {
	case ExchangeNSE, ExchangeNFO, ExchangeBSE, ExchangeBFO,
		ExchangeMCX, ExchangeNCDEX, ExchangeCDS:
		return s
	}
	if fnoSymbol.MatchString(s) {
		return ExchangeNFO
	}
	return ExchangeNSE
}
