package api

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"packsim/internal/sim"
)

// Publisher mirrors tick snapshots onto a Redis stream so external
// loggers and dashboards on the bench network can consume them without
// holding a WebSocket open.
type Publisher struct {
	rdb    *redis.Client
	stream string
	queue  chan []byte
}

// NewPublisher creates a Publisher writing to "telemetry:<sessionID>".
func NewPublisher(rdb *redis.Client, sessionID string) *Publisher {
	return &Publisher{
		rdb:    rdb,
		stream: "telemetry:" + sessionID,
		queue:  make(chan []byte, 256),
	}
}

// Attach registers the publisher on the runner's tick callback. Snapshots
// are queued; when Redis falls behind the newest ones are dropped so the
// simulation never blocks.
func (p *Publisher) Attach(r *sim.Runner) {
	r.OnTick(func(snap sim.Snapshot) {
		data, err := json.Marshal(snap)
		if err != nil {
			log.Printf("telemetry: marshal snapshot: %v", err)
			return
		}
		select {
		case p.queue <- data:
		default:
		}
	})
}

// Run drains the queue into Redis until ctx ends.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-p.queue:
			if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: p.stream,
				MaxLen: 10000,
				Approx: true,
				Values: map[string]interface{}{"snapshot": string(data)},
			}).Err(); err != nil {
				log.Printf("telemetry: XADD %s: %v", p.stream, err)
			}
		}
	}
}

// Stream returns the Redis stream key this publisher writes to.
func (p *Publisher) Stream() string { return p.stream }
