package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubmitConfig() SubmitConfig {
	return SubmitConfig{
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}
}

func TestSubmitter_Success(t *testing.T) {
	ex := newFakeExchange()
	s := NewSubmitter(ex, testSubmitConfig(), nil)

	res, err := s.Submit(context.Background(), Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	require.NoError(t, err)
	assert.False(t, res.Adopted)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, StatusOpen, res.Handle.Status)
	assert.Equal(t, 1, ex.submitCount("A"))
}

func TestSubmitter_DelayedAckAdoptsExistingOrder(t *testing.T) {
	ex := newFakeExchange()
	ex.delayAck = func(req Request, attempt int) bool { return req.ClientOrderID == "A" }
	s := NewSubmitter(ex, testSubmitConfig(), nil)

	res, err := s.Submit(context.Background(), Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	require.NoError(t, err)
	assert.True(t, res.Adopted)
	assert.Equal(t, "A", res.Handle.ClientOrderID)
	assert.Equal(t, 1, ex.submitCount("A"), "不能重复提交")
	assert.Equal(t, 1, ex.orderCount())
}

func TestSubmitter_ConcurrentBuySellWithDelayedAck(t *testing.T) {
	ex := newFakeExchange()
	ex.delayAck = func(req Request, attempt int) bool { return req.ClientOrderID == "A" }
	s := NewSubmitter(ex, testSubmitConfig(), nil)

	var wg sync.WaitGroup
	results := make(map[string]SubmitResult)
	var mu sync.Mutex
	for _, req := range []Request{
		{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1},
		{ClientOrderID: "B", Side: SideSell, Price: 101, Size: 1},
	} {
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			res, err := s.Submit(context.Background(), req)
			assert.NoError(t, err)
			mu.Lock()
			results[req.ClientOrderID] = res
			mu.Unlock()
		}(req)
	}
	wg.Wait()

	assert.Equal(t, 2, ex.orderCount(), "每个 clientOrderId 只有一笔订单")
	assert.True(t, results["A"].Adopted)
	assert.False(t, results["B"].Adopted)
	assert.Equal(t, 1, ex.submitCount("A"))
	assert.Equal(t, 1, ex.submitCount("B"))
}

func TestSubmitter_RetriesWithSameClientIDWhenNotFound(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmit = func(req Request, attempt int) error {
		if attempt == 1 {
			return errTransport
		}
		return nil
	}
	s := NewSubmitter(ex, testSubmitConfig(), nil)

	res, err := s.Submit(context.Background(), Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	require.NoError(t, err)
	assert.False(t, res.Adopted)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, ex.submitCount("A"))
	assert.Equal(t, 1, ex.orderCount())
}

func TestSubmitter_QueryErrorDoesNotResubmit(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmit = func(Request, int) error { return errTransport }
	ex.failQuery = func(int) error { return errors.New("query timeout") }
	s := NewSubmitter(ex, testSubmitConfig(), nil)

	_, err := s.Submit(context.Background(), Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmitUnresolved)
	assert.Equal(t, 1, ex.submitCount("A"))
}

func TestSubmitter_ExhaustedAttemptsUnresolved(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmit = func(Request, int) error { return errTransport }
	s := NewSubmitter(ex, testSubmitConfig(), nil)

	res, err := s.Submit(context.Background(), Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	assert.ErrorIs(t, err, ErrSubmitUnresolved)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, ex.submitCount("A"))
	assert.Equal(t, 0, ex.orderCount())
}

func TestSubmitter_RejectedIsNotRetried(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmit = func(req Request, _ int) error {
		return &RejectedError{ClientOrderID: req.ClientOrderID, Reason: "insufficient balance"}
	}
	s := NewSubmitter(ex, testSubmitConfig(), nil)

	_, err := s.Submit(context.Background(), Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Equal(t, 1, ex.submitCount("A"))
	assert.Equal(t, 0, ex.queries)
}

func TestSubmitter_ContextCancelled(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmit = func(Request, int) error { return errTransport }
	cfg := testSubmitConfig()
	cfg.Backoff = time.Second
	s := NewSubmitter(ex, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	assert.ErrorIs(t, err, ErrSubmitUnresolved)
	assert.Equal(t, 1, ex.submitCount("A"))
}

func TestSubmitter_CancelledBeforeFirstAttempt(t *testing.T) {
	ex := newFakeExchange()
	s := NewSubmitter(ex, testSubmitConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Submit(ctx, Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	assert.ErrorIs(t, err, ErrSubmitAborted)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, ex.submitCount("A"))
}

func TestSubmitter_HaltCheckStopsPlacement(t *testing.T) {
	ex := newFakeExchange()
	var halted atomic.Bool
	s := NewSubmitter(ex, testSubmitConfig(), nil, WithHaltCheck(halted.Load))

	halted.Store(true)
	_, err := s.Submit(context.Background(), Request{ClientOrderID: "B", Side: SideSell, Price: 101, Size: 1})
	assert.ErrorIs(t, err, ErrSubmitAborted)
	assert.Equal(t, 0, ex.submitCount("B"))

	// 首次提交失败期间风控锁定
	halted.Store(false)
	ex.failSubmit = func(Request, int) error {
		halted.Store(true)
		return errTransport
	}
	_, err = s.Submit(context.Background(), Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	assert.ErrorIs(t, err, ErrSubmitUnresolved)
	assert.Equal(t, 1, ex.submitCount("A"), "锁定后不再重复提交")
}

func TestSubmitter_NonRetriableFailsFast(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmit = func(Request, int) error { return errTransport }
	s := NewSubmitter(ex, testSubmitConfig(), nil, WithRetryClassifier(func(error) bool { return false }))

	res, err := s.Submit(context.Background(), Request{ClientOrderID: "A", Side: SideBuy, Price: 99, Size: 1})
	assert.ErrorIs(t, err, ErrSubmitUnresolved)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, ex.submitCount("A"))
	assert.Equal(t, 1, ex.queries, "放弃前仍需对账一次")
}
