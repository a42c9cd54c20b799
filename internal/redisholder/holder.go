// Package redisholder keeps the shared Redis client and replaces it when the
// health loop notices a dead connection. Consumers call Get on every use so
// they pick up the replacement.
package redisholder

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// entry boxes the client since cluster and single-node clients have
// different concrete types.
type entry struct {
	client redis.UniversalClient
}

type Holder struct {
	p atomic.Pointer[entry]
}

func NewHolder(initial redis.UniversalClient) *Holder {
	h := &Holder{}
	h.p.Store(&entry{client: initial})
	return h
}

func (h *Holder) Get() redis.UniversalClient {
	if e := h.p.Load(); e != nil {
		return e.client
	}
	return nil
}

func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	if e := h.p.Swap(&entry{client: newc}); e != nil {
		return e.client
	}
	return nil
}

func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		return c.Close()
	}
	return nil
}
