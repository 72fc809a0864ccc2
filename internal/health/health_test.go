package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("gateway", func(ctx context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "circuit open"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "gateway", statuses[1].Name)
	assert.Equal(t, "circuit open", statuses[1].Detail)
}

func TestCheckAllRunsConcurrently(t *testing.T) {
	r := NewRegistry()

	// If checks ran serially, three 50ms probes would take 150ms.
	for _, name := range []string{"a", "b", "c"} {
		name := name
		r.Register(name, func(ctx context.Context) Status {
			time.Sleep(50 * time.Millisecond)
			return Status{Name: name, Healthy: true}
		})
	}

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	elapsed := time.Since(start)

	assert.True(t, healthy)
	assert.Len(t, statuses, 3)
	assert.Less(t, elapsed, 120*time.Millisecond)
}

func TestRegisterDuringCheck(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})

	// Concurrent Register and CheckAll must not race.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Register("gateway", func(ctx context.Context) Status {
			return Status{Name: "gateway", Healthy: true}
		})
	}()
	go func() {
		defer wg.Done()
		healthy, _ := r.CheckAll(context.Background())
		assert.True(t, healthy)
	}()
	wg.Wait()
}
