package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedAdapter returns canned results for OpenMarket and fails every
// other call; only the retry path is under test here.
type scriptedAdapter struct {
	Adapter
	results []Result
	errs    []error
	calls   int
}

func (s *scriptedAdapter) OpenMarket(context.Context, MarketRequest) (Result, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	var res Result
	if i < len(s.results) {
		res = s.results[i]
	}
	return res, err
}

func newRetrying(a Adapter) *Retrying {
	r := WithRetry(a, zap.NewNop())
	r.maxTries = 3
	return r
}

func TestRetryTransientThenSuccess(t *testing.T) {
	s := &scriptedAdapter{results: []Result{
		{Retcode: RetcodeRequote},
		{Retcode: RetcodeDone, Ticket: 42},
	}}
	r := newRetrying(s)

	res, err := r.OpenMarket(context.Background(), MarketRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Ticket)
	assert.Equal(t, 2, s.calls)
}

func TestRetryPermanentRejectionStopsImmediately(t *testing.T) {
	s := &scriptedAdapter{results: []Result{
		{Retcode: RetcodeNoMoney},
		{Retcode: RetcodeDone},
	}}
	r := newRetrying(s)

	_, err := r.OpenMarket(context.Background(), MarketRequest{})
	require.Error(t, err)
	assert.True(t, IsReject(err))
	assert.Equal(t, 1, s.calls, "definitive rejections are not retried")
}

func TestRetryGivesUpAfterMaxTries(t *testing.T) {
	s := &scriptedAdapter{results: []Result{
		{Retcode: RetcodeNoResponse},
		{Retcode: RetcodeNoResponse},
		{Retcode: RetcodeNoResponse},
		{Retcode: RetcodeDone},
	}}
	r := newRetrying(s)

	_, err := r.OpenMarket(context.Background(), MarketRequest{})
	require.Error(t, err)
	assert.False(t, IsReject(err), "exhausted retries are not a rejection")
	assert.Equal(t, 3, s.calls)
}

func TestRetryTransportError(t *testing.T) {
	boom := errors.New("pipe broken")
	s := &scriptedAdapter{
		errs:    []error{boom, nil},
		results: []Result{{}, {Retcode: RetcodeDone, Ticket: 7}},
	}
	r := newRetrying(s)

	res, err := r.OpenMarket(context.Background(), MarketRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Ticket)
}

func TestRetryHonorsContextCancel(t *testing.T) {
	s := &scriptedAdapter{results: []Result{
		{Retcode: RetcodeRequote}, {Retcode: RetcodeRequote}, {Retcode: RetcodeRequote},
	}}
	r := newRetrying(s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.OpenMarket(ctx, MarketRequest{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRetcodeRetryable(t *testing.T) {
	assert.True(t, RetcodeRequote.Retryable())
	assert.True(t, RetcodePriceOff.Retryable())
	assert.True(t, RetcodeNoResponse.Retryable())
	assert.False(t, RetcodeDone.Retryable())
	assert.False(t, RetcodeNoMoney.Retryable())
	assert.False(t, RetcodeInvalidStops.Retryable())
	assert.False(t, RetcodeRejected.Retryable())
}
