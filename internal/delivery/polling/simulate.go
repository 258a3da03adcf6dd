package polling

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

// SimulatedSubscriptionID tags events written by Simulate.
const SimulatedSubscriptionID = "test-subscription"

// Simulate stores a well-formed random transfer between from and to, standing
// in for a webhook delivery.
func (s *Store) Simulate(ctx context.Context, from, to, value string) (protov1.StreamEvent, error) {
	var hash common.Hash
	if _, err := rand.Read(hash[:]); err != nil {
		return protov1.StreamEvent{}, err
	}

	block := randUint64(1_000_000)
	status := protov1.EventStatusSuccess
	if randUint64(10) == 0 {
		status = protov1.EventStatusFailed
	}

	ev := protov1.StreamEvent{
		From:        from,
		To:          to,
		Value:       value,
		Hash:        hash.Hex(),
		BlockNumber: &block,
		GasUsed:     "21000",
		Status:      status,
		Timestamp:   s.now().Unix(),
	}
	if err := s.AppendFor(ctx, SimulatedSubscriptionID, ev); err != nil {
		return protov1.StreamEvent{}, err
	}
	return ev, nil
}

func randUint64(n int64) uint64 {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0
	}
	return v.Uint64()
}
