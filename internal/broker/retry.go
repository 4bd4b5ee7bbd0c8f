package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const defaultMaxTries = 3

// Retrying decorates an Adapter with a bounded retry around order actions.
// Transient outcomes (no response, requote, price off) are retried with a
// short exponential backoff; definitive rejections abort immediately.
// Read-only queries pass through untouched so the reconciliation loops stay
// retry-agnostic.
type Retrying struct {
	Adapter
	logger   *zap.Logger
	maxTries uint
}

// WithRetry wraps the adapter with the copier's standard retry policy.
func WithRetry(a Adapter, logger *zap.Logger) *Retrying {
	return &Retrying{
		Adapter:  a,
		logger:   logger.Named("retry"),
		maxTries: defaultMaxTries,
	}
}

func (r *Retrying) OpenMarket(ctx context.Context, req MarketRequest) (Result, error) {
	return r.retry(ctx, "open market", func() (Result, error) {
		return r.Adapter.OpenMarket(ctx, req)
	})
}

func (r *Retrying) PlacePending(ctx context.Context, req PendingRequest) (Result, error) {
	return r.retry(ctx, "place pending", func() (Result, error) {
		return r.Adapter.PlacePending(ctx, req)
	})
}

func (r *Retrying) ModifyPosition(ctx context.Context, ticket int64, symbol string, sl, tp float64) (Result, error) {
	return r.retry(ctx, "modify position", func() (Result, error) {
		return r.Adapter.ModifyPosition(ctx, ticket, symbol, sl, tp)
	})
}

func (r *Retrying) ModifyOrderPrice(ctx context.Context, ticket int64, price, sl, tp float64) (Result, error) {
	return r.retry(ctx, "modify order price", func() (Result, error) {
		return r.Adapter.ModifyOrderPrice(ctx, ticket, price, sl, tp)
	})
}

func (r *Retrying) ModifyOrderStops(ctx context.Context, ticket int64, sl, tp float64) (Result, error) {
	return r.retry(ctx, "modify order stops", func() (Result, error) {
		return r.Adapter.ModifyOrderStops(ctx, ticket, sl, tp)
	})
}

func (r *Retrying) CancelOrder(ctx context.Context, ticket int64) (Result, error) {
	return r.retry(ctx, "cancel order", func() (Result, error) {
		return r.Adapter.CancelOrder(ctx, ticket)
	})
}

func (r *Retrying) ClosePosition(ctx context.Context, pos Position) (Result, error) {
	return r.retry(ctx, "close position", func() (Result, error) {
		return r.Adapter.ClosePosition(ctx, pos)
	})
}

func (r *Retrying) retry(ctx context.Context, op string, send func() (Result, error)) (Result, error) {
	attempt := 0
	wrapped := func() (Result, error) {
		attempt++
		res, err := send()
		if err != nil {
			// Transport-level failure, worth another attempt.
			r.logger.Warn("Broker call failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return Result{}, err
		}
		if res.OK() {
			return res, nil
		}
		if res.Retcode.Retryable() {
			r.logger.Warn("Broker returned transient status, retrying",
				zap.String("op", op),
				zap.String("status", res.Retcode.String()),
				zap.Int("attempt", attempt))
			return res, fmt.Errorf("%s: %s", op, res.Retcode)
		}
		return res, backoff.Permanent(&RejectError{Op: op, Result: res})
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = time.Second

	res, err := backoff.Retry(
		ctx,
		wrapped,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.maxTries),
	)
	if err != nil {
		return res, err
	}
	return res, nil
}

// IsReject reports whether err is a definitive broker rejection rather than
// exhausted retries.
func IsReject(err error) bool {
	var rejErr *RejectError
	return errors.As(err, &rejErr)
}
