package smartstream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/quantbyte/smartfeed"
)

// Packet layout (little endian throughout)
// Byte 0: mode
// Byte 1: exchange segment
// Bytes 2-26: token as null-terminated ASCII
// Bytes 27-34: sequence (uint64)
// Bytes 35-42: exchange timestamp, epoch ms (uint64)
// Bytes 43-46: last traded price (int32, divisor-scaled)
const (
	offMode     = 0
	offExchange = 1
	offToken    = 2
	tokenLen    = 25
	offSequence = 27
	offExchTime = 35
	offLTP      = 43

	ltpPacketLen = 47
)

// Mode 2 adds trade data on top of the LTP header.
const (
	offLastQty      = 51
	offAvgPrice     = 59
	offVolume       = 67
	offTotalBuyQty  = 75
	offTotalSellQty = 83
	offOpen         = 91
	offHigh         = 99
	offLow          = 107
	offClose        = 115

	quotePacketLen = 123
)

// Mode 3 adds open interest, best-five depth and the day's bands.
const (
	offLastTradeTime = 123
	offOpenInterest  = 131
	offOIChangePct   = 139
	offBestFive      = 147
	bestFiveEntryLen = 20
	bestFiveEntries  = 10
	offUpperCircuit  = 347
	offLowerCircuit  = 355
	off52WHigh       = 363
	off52WLow        = 371

	snapQuotePacketLen = 379
)

// Acknowledgement frames are fixed 51-byte packets marked by byte 2.
const (
	ackPacketLen    = 51
	ackSignature    = 0x37
	offAckMessageID = 3
	ackMessageIDLen = 4
	offAckStatus    = 38
)

// Classify determines the kind of an inbound binary frame. Ack frames are
// identified by size and signature before the mode byte is consulted, so a
// 51-byte acknowledgement is never misread as a tick.
func Classify(data []byte) FrameKind {
	if len(data) == ackPacketLen && data[2] == ackSignature {
		return FrameAck
	}
	if len(data) == 0 {
		return FrameUnknown
	}
	switch Mode(data[offMode]) {
	case ModeLTP:
		return FrameLTP
	case ModeQuote:
		return FrameQuote
	case ModeSnapQuote:
		return FrameSnapQuote
	default:
		return FrameUnknown
	}
}

// DecodeLTP parses a mode-1 packet.
func DecodeLTP(data []byte) (*LTPTick, error) {
	if len(data) < ltpPacketLen {
		return nil, fmt.Errorf("%w: got %d bytes, need %d for ltp", smartfeed.ErrShortFrame, len(data), ltpPacketLen)
	}
	tick := decodeHeader(data)
	return &tick, nil
}

// DecodeQuote parses a mode-2 packet.
func DecodeQuote(data []byte) (*QuoteTick, error) {
	if len(data) < quotePacketLen {
		return nil, fmt.Errorf("%w: got %d bytes, need %d for quote", smartfeed.ErrShortFrame, len(data), quotePacketLen)
	}

	div := Divisor(data[offExchange])
	quote := &QuoteTick{
		LTPTick:      decodeHeader(data),
		LastQty:      u64(data, offLastQty),
		AvgPrice:     float64(u64(data, offAvgPrice)) / div,
		Volume:       u64(data, offVolume),
		TotalBuyQty:  f64(data, offTotalBuyQty),
		TotalSellQty: f64(data, offTotalSellQty),
		Open:         float64(u64(data, offOpen)) / div,
		High:         float64(u64(data, offHigh)) / div,
		Low:          float64(u64(data, offLow)) / div,
		Close:        float64(u64(data, offClose)) / div,
	}
	return quote, nil
}

// DecodeSnapQuote parses a mode-3 packet including the best-five table.
func DecodeSnapQuote(data []byte) (*SnapQuoteTick, error) {
	if len(data) < snapQuotePacketLen {
		return nil, fmt.Errorf("%w: got %d bytes, need %d for snap quote", smartfeed.ErrShortFrame, len(data), snapQuotePacketLen)
	}

	div := Divisor(data[offExchange])
	quote, _ := DecodeQuote(data)
	snap := &SnapQuoteTick{
		QuoteTick:     *quote,
		LastTradeTime: time.Unix(int64(u64(data, offLastTradeTime)), 0),
		OpenInterest:  u64(data, offOpenInterest),
		OIChangePct:   f64(data, offOIChangePct),
		UpperCircuit:  float64(u64(data, offUpperCircuit)) / div,
		LowerCircuit:  float64(u64(data, offLowerCircuit)) / div,
		High52W:       float64(u64(data, off52WHigh)) / div,
		Low52W:        float64(u64(data, off52WLow)) / div,
	}
	snap.Buy, snap.Sell = decodeBestFive(data[offBestFive : offBestFive+bestFiveEntries*bestFiveEntryLen])
	return snap, nil
}

// ParseAck parses a 51-byte acknowledgement frame.
func ParseAck(data []byte) (*Ack, error) {
	if len(data) != ackPacketLen || data[2] != ackSignature {
		return nil, fmt.Errorf("not an acknowledgement frame (%d bytes)", len(data))
	}
	id := bytes.TrimRight(data[offAckMessageID:offAckMessageID+ackMessageIDLen], "\x00 ")
	return &Ack{
		MessageID: string(id),
		Status:    binary.LittleEndian.Uint16(data[offAckStatus : offAckStatus+2]),
	}, nil
}

// decodeHeader extracts the fields common to every tick mode. A malformed
// token field marks the tick partial rather than failing the frame.
func decodeHeader(data []byte) LTPTick {
	tick := LTPTick{
		Mode:         Mode(data[offMode]),
		Exchange:     data[offExchange],
		Sequence:     u64(data, offSequence),
		ExchangeTime: time.UnixMilli(int64(u64(data, offExchTime))),
		LastPrice:    float64(int32(binary.LittleEndian.Uint32(data[offLTP:offLTP+4]))) / Divisor(data[offExchange]),
	}

	raw := data[offToken : offToken+tokenLen]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	token, err := strconv.Atoi(string(raw))
	if err != nil {
		tick.Err = fmt.Errorf("token field %q: %w", string(raw), err)
		return tick
	}
	tick.Token = token
	return tick
}

// decodeBestFive collects the 10-entry depth table into buy and sell sides.
// Entries with a side flag outside {0,1} are skipped. Buy levels sort by
// price descending, sell levels ascending; each side keeps at most five.
func decodeBestFive(table []byte) (buy, sell []DepthLevel) {
	for i := 0; i < bestFiveEntries; i++ {
		entry := table[i*bestFiveEntryLen : (i+1)*bestFiveEntryLen]
		flag := int16(binary.LittleEndian.Uint16(entry[0:2]))
		if flag != 0 && flag != 1 {
			continue
		}
		level := DepthLevel{
			Quantity: int64(binary.LittleEndian.Uint64(entry[2:10])),
			Price:    float64(int64(binary.LittleEndian.Uint64(entry[10:18]))) / 100,
			Orders:   int16(binary.LittleEndian.Uint16(entry[18:20])),
		}
		if flag == 1 {
			buy = append(buy, level)
		} else {
			sell = append(sell, level)
		}
	}

	sort.Slice(buy, func(i, j int) bool { return buy[i].Price > buy[j].Price })
	sort.Slice(sell, func(i, j int) bool { return sell[i].Price < sell[j].Price })
	if len(buy) > 5 {
		buy = buy[:5]
	}
	if len(sell) > 5 {
		sell = sell[:5]
	}
	return buy, sell
}

func u64(data []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(data[off : off+8])
}

func f64(data []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
}
