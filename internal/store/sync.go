package store

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncResult tracks the outcome of a single sync cycle.
type SyncResult struct {
	ItemsChecked int
	ItemsSynced  int
}

// SyncLoop periodically reconciles under-replicated items.
type SyncLoop struct {
	store    *DataStore
	interval time.Duration
	stopCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSyncLoop creates a sync loop over the store. The interval controls
// how often a reconciliation cycle runs.
func NewSyncLoop(store *DataStore, interval time.Duration) *SyncLoop {
	return &SyncLoop{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background loop. Calling Start on a running loop is a
// no-op.
func (sl *SyncLoop) Start() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.running {
		return
	}
	sl.running = true
	go sl.run()
}

// Stop stops the loop. Calling Stop on a stopped loop is a no-op.
func (sl *SyncLoop) Stop() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.running {
		return
	}
	sl.running = false
	close(sl.stopCh)
}

func (sl *SyncLoop) run() {
	// Run immediately on start, then periodically.
	sl.syncCycle()

	ticker := time.NewTicker(sl.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sl.syncCycle()
		case <-sl.stopCh:
			return
		}
	}
}

// syncCycle runs one reconciliation pass over the whole index.
func (sl *SyncLoop) syncCycle() SyncResult {
	result := SyncResult{}
	for _, it := range sl.store.index.Items() {
		result.ItemsChecked++
		if sl.store.syncItem(it) {
			result.ItemsSynced++
		}
	}
	if err := sl.store.index.Flush(); err != nil {
		logrus.WithError(err).Warn("sync: persist statuses")
	}

	if result.ItemsSynced > 0 {
		logrus.WithFields(logrus.Fields{
			"checked": result.ItemsChecked,
			"synced":  result.ItemsSynced,
		}).Info("sync: cycle complete")
	}
	return result
}
