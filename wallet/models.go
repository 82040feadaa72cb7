package wallet

import "time"

// Balance is one asset holding of an account.
type Balance struct {
	Asset  string
	Amount string
}

// Overview captures the subset of account state exposed via the public API layer.
type Overview struct {
	Address       string
	Funded        bool
	NativeBalance string
	Balances      []Balance
}

// Direction of a transfer relative to the viewed account.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Transfer is a payment operation flattened for display.
type Transfer struct {
	Direction Direction
	Amount    string
	Asset     string
	Date      time.Time
	From      string
	To        string
	Memo      string
	TxHash    string
}
