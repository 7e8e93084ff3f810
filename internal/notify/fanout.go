package notify

import (
	"context"
	"errors"

	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

// Events fans a payout event out to every publisher and joins their errors.
type Events []settlement.EventPublisher

func (e Events) PublishPayoutEvent(ctx context.Context, ev settlement.PayoutEvent) error {
	var errs []error
	for _, p := range e {
		if err := p.PublishPayoutEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
