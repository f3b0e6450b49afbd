package models

import "fmt"

// Instrument identifies one tradable symbol at the broker.
type Instrument struct {
	Symbol        string `json:"symbol"`
	Token         string `json:"token"`
	TradingSymbol string `json:"trading_symbol,omitempty"`
	Exchange      string `json:"exchange,omitempty"`
}

// Validate checks that the instrument can be requested.
func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if i.Token == "" {
		return &ValidationError{Field: "token", Message: fmt.Sprintf("token for %s cannot be empty", i.Symbol)}
	}
	return nil
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s(%s)", i.Symbol, i.Token)
}
