package smartstream

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// TokenList groups subscription tokens by exchange segment, the shape the
// vendor expects inside every subscribe/unsubscribe/data-request frame.
type TokenList struct {
	ExchangeType int   `json:"exchangeType"`
	Tokens       []int `json:"tokens"`
}

// RequestParams is the params object of an outbound control frame. Auth
// frames carry clientCode/authorization, subscription frames mode/tokenList.
type RequestParams struct {
	Mode          int         `json:"mode,omitempty"`
	TokenList     []TokenList `json:"tokenList,omitempty"`
	ClientCode    string      `json:"clientCode,omitempty"`
	Authorization string      `json:"authorization,omitempty"`
}

// Request is an outbound vendor control frame.
type Request struct {
	CorrelationID string        `json:"correlationID"`
	Action        int           `json:"action"`
	Params        RequestParams `json:"params"`
}

// correlationID returns a fresh request identifier. The vendor truncates
// anything beyond ten characters, so only the uuid prefix is sent.
func correlationID() string {
	return uuid.NewString()[:8]
}

// NewAuthRequest composes the authentication frame sent immediately after
// the socket opens.
func NewAuthRequest(clientCode, jwt string) ([]byte, error) {
	return json.Marshal(Request{
		CorrelationID: correlationID(),
		Action:        ActionSubscribe,
		Params: RequestParams{
			ClientCode:    clientCode,
			Authorization: jwt,
		},
	})
}

// NewSubscribeRequest composes a subscribe frame for the given mode from
// tokens grouped by exchange code.
func NewSubscribeRequest(mode Mode, groups map[byte][]int) ([]byte, error) {
	return newTokenRequest(ActionSubscribe, mode, groups)
}

// NewUnsubscribeRequest composes an unsubscribe frame.
func NewUnsubscribeRequest(mode Mode, groups map[byte][]int) ([]byte, error) {
	return newTokenRequest(ActionUnsubscribe, mode, groups)
}

// NewDataRequest composes the periodic market-data request the vendor
// requires to keep a subscription flowing.
func NewDataRequest(mode Mode, groups map[byte][]int) ([]byte, error) {
	return newTokenRequest(ActionDataRequest, mode, groups)
}

func newTokenRequest(action int, mode Mode, groups map[byte][]int) ([]byte, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no tokens to request")
	}
	return json.Marshal(Request{
		CorrelationID: correlationID(),
		Action:        action,
		Params: RequestParams{
			Mode:      int(mode),
			TokenList: GroupTokenList(groups),
		},
	})
}

// GroupTokenList converts a registry snapshot into the vendor tokenList,
// ordered by exchange code and token for deterministic frames.
func GroupTokenList(groups map[byte][]int) []TokenList {
	codes := make([]int, 0, len(groups))
	for code := range groups {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)

	list := make([]TokenList, 0, len(codes))
	for _, code := range codes {
		tokens := append([]int(nil), groups[byte(code)]...)
		sort.Ints(tokens)
		list = append(list, TokenList{ExchangeType: code, Tokens: tokens})
	}
	return list
}
