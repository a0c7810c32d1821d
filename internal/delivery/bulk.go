package delivery

import (
	"context"
	"sync"
	"time"
)

// BulkResult accumulates per-recipient outcomes of a bulk send.
type BulkResult struct {
	Deliveries []Delivery
	Sent       int
	Failed     int
	TotalCost  float64
}

// DeliverBulk delivers notifications in fixed-size sub-batches. Sends within
// a sub-batch run concurrently, each delayed by its index times the stagger,
// and the whole sub-batch completes before the next one starts.
// Deliveries keep the order of ns.
func (c *Coordinator) DeliverBulk(ctx context.Context, ns []Notification) BulkResult {
	res := BulkResult{Deliveries: make([]Delivery, len(ns))}
	size := c.config.SubBatchSize

	next := 0
	for start := 0; start < len(ns); start += size {
		if start > 0 && !sleep(ctx, c.config.SubBatchDelay) {
			break
		}

		end := min(start+size, len(ns))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(offset int) {
				defer wg.Done()
				if !sleep(ctx, time.Duration(offset)*c.config.Stagger) {
					res.Deliveries[i] = Delivery{RecipientID: ns[i].Recipient.ID, Err: ctx.Err()}
					return
				}
				res.Deliveries[i] = c.Deliver(ctx, ns[i])
			}(i - start)
		}
		wg.Wait()
		next = end
	}

	for i := next; i < len(ns); i++ {
		res.Deliveries[i] = Delivery{RecipientID: ns[i].Recipient.ID, Err: ctx.Err()}
	}

	for _, d := range res.Deliveries {
		if d.Success {
			res.Sent++
			res.TotalCost += d.Cost
		} else {
			res.Failed++
		}
	}

	return res
}

// sleep waits for d or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
