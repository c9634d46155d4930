package metrics

import (
	"time"

	"github.com/hivelabs/hive/pkg/storage"
	"github.com/hivelabs/hive/pkg/types"
)

// Collector refreshes the store-derived gauges (pending queue depth, running
// attempts, bot counts) on a timer.
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a collector; interval <= 0 defaults to 15s.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the collection loop.
func (c *Collector) Start() {
	go c.run()
}

// Stop stops the loop.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect() {
	var pending, running, bots, quarantined int
	err := c.store.View(func(tx storage.Txn) error {
		if err := tx.ScanPending(func(t *types.TaskToRun) (bool, error) {
			if t.Claimable() {
				pending++
			}
			return true, nil
		}); err != nil {
			return err
		}
		if err := tx.ScanRunResults(func(r *types.TaskRunResult) (bool, error) {
			if r.State == types.StateRunning {
				running++
			}
			return true, nil
		}); err != nil {
			return err
		}
		return tx.ScanBots(func(b *types.BotRecord) (bool, error) {
			bots++
			if b.Quarantined {
				quarantined++
			}
			return true, nil
		})
	})
	if err != nil {
		return
	}
	TasksPending.Set(float64(pending))
	TasksRunning.Set(float64(running))
	BotsKnown.Set(float64(bots))
	BotsQuarantined.Set(float64(quarantined))
}
