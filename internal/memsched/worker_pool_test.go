package memsched

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWorkerPoolRunsEveryClientAndShutsDownCleanly(t *testing.T) {
	prePoolOpts := goleak.IgnoreCurrent()

	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 4, QueueDepth: 16}, prometheus.NewRegistry())
	opts := goleak.IgnoreCurrent()

	clients := []*Client{
		NewClient("a", "g1", 4),
		NewClient("b", "g1", 4),
		NewClient("c", "g2", 4),
	}

	var touched int
	err := p.RunAll(clients, func(c *Client) error {
		c.Locked++
		touched++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, touched)
	for _, c := range clients {
		assert.Equal(t, int64(1), c.Locked)
	}
	goleak.VerifyNone(t, opts)

	p.Shutdown()
	goleak.VerifyNone(t, prePoolOpts)
}

func TestWorkerPoolReturnsFirstJobError(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 2, QueueDepth: 16}, prometheus.NewRegistry())
	defer p.Shutdown()

	clients := []*Client{NewClient("a", "g1", 4), NewClient("b", "g1", 4)}
	boom := errors.New("boom")

	err := p.RunAll(clients, func(c *Client) error {
		if c.ID == "b" {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
}

func TestWorkerPoolRejectsJobsPastQueueDepth(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{MaxWorkers: 1, QueueDepth: 1}, prometheus.NewRegistry())
	defer p.Shutdown()

	clients := make([]*Client, 0, 5)
	for i := 0; i < 5; i++ {
		clients = append(clients, NewClient(string(rune('a'+i)), "g1", 4))
	}

	err := p.RunAll(clients, func(c *Client) error { return nil })
	require.Error(t, err)
}
