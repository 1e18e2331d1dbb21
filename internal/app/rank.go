package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/events"
	"order-settlement-engine/internal/matching"
	"order-settlement-engine/internal/storage"
)

// Rank prints the current candidate ranking for an order without opening a
// proposal. Useful for inspecting why an order is unmatched.
func (a *App) Rank(ctx context.Context, opts RankOptions) error {
	orderID, err := domain.ParseHash(opts.OrderID)
	if err != nil {
		return err
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	eng, err := a.buildEngine(backend, events.NopPublisher{})
	if err != nil {
		return err
	}

	order, err := backend.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	candidates, err := rankCandidates(ctx, order, backend, eng.matcher)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Fprintf(os.Stdout, "no eligible candidates for order %s\n", shortHash(orderID))
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tProvider\tScore\tMinFee(bps)\tAvailable\tSuccessRate")
	for i, candidate := range candidates {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%.4f\t%d\t%s\t%.2f\n",
			i+1,
			candidate.Intent.Provider.Hex(),
			candidate.Score,
			candidate.Intent.MinFeeBps,
			candidate.Intent.AvailableAmount.String(),
			candidate.Reputation.SuccessRate(),
		)
	}
	writer.Flush()
	return nil
}

func rankCandidates(ctx context.Context, order domain.Order, backend storage.Backend, matcher *matching.Engine) ([]matching.Candidate, error) {
	now := time.Now().UTC()
	intents, err := backend.EligibleIntents(ctx, order.Currency, order.Amount, now)
	if err != nil {
		return nil, err
	}

	tried, err := backend.ProposalProviders(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	exclude := make(map[common.Address]struct{}, len(tried))
	for _, provider := range tried {
		exclude[provider] = struct{}{}
	}

	reputations := make(map[common.Address]*domain.ProviderReputation, len(intents))
	for _, intent := range intents {
		reputation, err := backend.GetReputation(ctx, intent.Provider)
		if err != nil {
			return nil, err
		}
		if reputation != nil {
			reputations[intent.Provider] = reputation
		}
	}

	return matcher.Rank(order, intents, reputations, exclude), nil
}
