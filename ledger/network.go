package ledger

import (
	"fmt"
	"strings"
)

// Network pins the passphrase transactions are signed for and the Horizon
// endpoint that serves it.
type Network struct {
	Name       string
	Passphrase string
	HorizonURL string
}

var (
	Testnet = Network{
		Name:       "testnet",
		Passphrase: "Test SDF Network ; September 2015",
		HorizonURL: "https://horizon-testnet.stellar.org",
	}
	Public = Network{
		Name:       "public",
		Passphrase: "Public Global Stellar Network ; September 2015",
		HorizonURL: "https://horizon.stellar.org",
	}
)

// NetworkByName accepts "testnet" or "public".
func NetworkByName(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Testnet.Name:
		return Testnet, nil
	case Public.Name:
		return Public, nil
	default:
		return Network{}, fmt.Errorf("ledger: unknown network %q, must be testnet or public", name)
	}
}
