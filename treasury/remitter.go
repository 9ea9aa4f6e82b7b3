package treasury

import (
	"context"
	"log"
	"math/big"
)

// LogRemitter acknowledges transfers by logging them. Local mode only; the
// ledgered balances in treasury_accounts remain the source of truth.
type LogRemitter struct{}

func (LogRemitter) Send(ctx context.Context, recipient string, amount *big.Int) error {
	log.Printf("treasury: remitted %s to %s", amount, recipient)
	return nil
}
