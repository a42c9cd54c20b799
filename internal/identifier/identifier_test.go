package identifier

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsCanonical(t *testing.T) {
	id := New()

	require.Len(t, id, 36)
	assert.True(t, Valid(id))

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.Equal(t, id, parsed.String())
}

func TestNewConcurrentUnique(t *testing.T) {
	const workers, perWorker = 32, 500

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, New())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("0a1b2c3d-aaaa-4bbb-8ccc-123456789abc"))
	assert.True(t, Valid("abc"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("ABC"))
	assert.False(t, Valid("../etc"))
	assert.False(t, Valid("not-an-id"))
}
