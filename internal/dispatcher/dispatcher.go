// Package dispatcher implements MarketDispatcher: one bounded,
// single-consumer queue per marketId. Trades for different markets run
// in parallel; trades within a market run in strict FIFO order because
// exactly one worker drains that market's queue.
package dispatcher

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"predictioncore/internal/order"
	"predictioncore/pkg/cache"
)

const defaultQueueSize = 256

// result carries a completed executeMarketOrder outcome back to the
// Submit caller through a one-shot channel.
type result struct {
	order *order.Order
	err   error
}

// job is either a submit (req set) or a cancel (cancelOrderID set); the
// lane's run loop dispatches on which fields are populated so both
// submit and cancel serialize through the same per-market worker.
type job struct {
	req           order.TradeRequest
	cancelOrderID string
	cancelUserID  string
	done          chan result
}

type lane struct {
	ch chan job
}

// Dispatcher owns one lane per market and the executor that processes
// jobs pulled off each lane.
type Dispatcher struct {
	executor *order.Executor
	lanes    *cache.ShardedMap[*lane]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Dispatcher over executor. Call Close to stop all
// running per-market workers.
func New(executor *order.Executor) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		executor: executor,
		lanes:    cache.NewShardedMap[*lane](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit enqueues req onto its market's lane, creating the lane and
// its worker on first use, and blocks until that trade request has
// been fully processed (validated, executed or rejected).
func (d *Dispatcher) Submit(ctx context.Context, req order.TradeRequest) (*order.Order, error) {
	ln, err := d.lanes.GetOrCompute(req.MarketID, func() (*lane, error) {
		l := &lane{ch: make(chan job, defaultQueueSize)}
		d.wg.Add(1)
		go d.run(req.MarketID, l)
		return l, nil
	})
	if err != nil {
		return nil, err
	}

	j := job{req: req, done: make(chan result, 1)}
	select {
	case ln.ch <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, d.ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel routes a cancel request onto the owning market's lane so it
// serializes with every other submit/cancel against that market's
// state instead of racing the executor from an unrelated goroutine.
// It looks the order's market up once to find the right lane; the
// lane's worker re-validates ownership and active status under
// serialization before actually transitioning the order.
func (d *Dispatcher) Cancel(ctx context.Context, orderID, byUserID string) (*order.Order, error) {
	marketID, err := d.executor.OrderMarketID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	ln, err := d.lanes.GetOrCompute(marketID, func() (*lane, error) {
		l := &lane{ch: make(chan job, defaultQueueSize)}
		d.wg.Add(1)
		go d.run(marketID, l)
		return l, nil
	})
	if err != nil {
		return nil, err
	}

	j := job{cancelOrderID: orderID, cancelUserID: byUserID, done: make(chan result, 1)}
	select {
	case ln.ch <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, d.ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the single consumer for one market's lane: it drains jobs in
// FIFO order and is the sole goroutine ever allowed to mutate that
// market's in-memory state, which is what makes the executor's
// market-state mutations race-free without an explicit lock.
func (d *Dispatcher) run(marketID string, l *lane) {
	defer d.wg.Done()
	log.Debug().Str("marketId", marketID).Msg("dispatcher lane started")
	for {
		select {
		case <-d.ctx.Done():
			return
		case j, ok := <-l.ch:
			if !ok {
				return
			}
			if j.cancelOrderID != "" {
				o, err := d.executor.Cancel(d.ctx, j.cancelOrderID, j.cancelUserID)
				j.done <- result{order: o, err: err}
				continue
			}
			o, err := d.executor.ExecuteMarketOrder(d.ctx, j.req)
			j.done <- result{order: o, err: err}
		}
	}
}

// Close stops every lane worker and waits for in-flight jobs already
// pulled off a channel to finish. Jobs still queued are not run; a
// Submit or Cancel call waiting on one returns only once its own ctx
// is done, with that ctx's error.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
