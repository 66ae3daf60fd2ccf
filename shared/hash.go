package shared

import (
	"strings"

	"github.com/sethvargo/go-diceware/diceware"
)

const (
	// ListenPath is where the local peer connects.
	ListenPath = "/__bridge/listen"
	// CallPath is where remote peers open transactions.
	CallPath = "/__bridge/call"
	// HealthPath reports the coordinator's state.
	HealthPath = "/__bridge/health"
)

// RandomToken generates a memorable bearer token.
func RandomToken() string {
	g, err := diceware.Generate(6)
	if err != nil {
		return ""
	}
	return strings.Join(g, "-")
}
