package queue

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// ClientSource hands out the current Redis client.
type ClientSource interface {
	Get() redis.UniversalClient
}

type Producer struct {
	r      ClientSource
	stream string
	maxLen int64
}

func NewProducer(r ClientSource, stream string, maxLen int64) *Producer {
	return &Producer{r: r, stream: stream, maxLen: maxLen}
}

// Enqueue encodes job as JSON and appends it to the stream for the workers.
func (p *Producer) Enqueue(ctx context.Context, job MirrorJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.r.Get().XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"payload": string(raw),
			"attempt": 0,
		},
	}).Err()
}
