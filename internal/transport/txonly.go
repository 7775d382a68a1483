package transport

import (
	"context"
	"log"
	"sync"
)

// TxOnly streams measurement frames without expecting responses, for rigs
// where the BMS is passive or absent. Frames go through a bounded queue
// drained by one writer goroutine; when the queue is full the oldest frame
// is dropped so the stream stays current.
type TxOnly struct {
	ch    Channel
	queue chan []byte

	mu      sync.Mutex
	sent    int
	dropped int
}

// NewTxOnly builds a transmitter with the given queue depth.
func NewTxOnly(ch Channel, depth int) *TxOnly {
	if depth <= 0 {
		depth = 32
	}
	return &TxOnly{ch: ch, queue: make(chan []byte, depth)}
}

// Run drains the queue until ctx is cancelled.
func (t *TxOnly) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-t.queue:
			if err := t.ch.Write(frame); err != nil {
				log.Printf("transport: tx-only write failed: %v", err)
				continue
			}
			t.mu.Lock()
			t.sent++
			t.mu.Unlock()
		}
	}
}

// Enqueue queues a frame, displacing the oldest if the queue is full.
func (t *TxOnly) Enqueue(frame []byte) {
	for {
		select {
		case t.queue <- frame:
			return
		default:
			select {
			case <-t.queue:
				t.mu.Lock()
				t.dropped++
				t.mu.Unlock()
			default:
			}
		}
	}
}

// Stats returns frames written and frames dropped from a full queue.
func (t *TxOnly) Stats() (sent, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent, t.dropped
}
