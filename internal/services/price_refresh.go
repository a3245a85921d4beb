package services

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tcgwallet/backend/internal/metrics"
	"github.com/tcgwallet/backend/internal/models"
)

const (
	// priceRefreshInterval is how often the worker sweeps the cache for
	// stale rows.
	priceRefreshInterval = 15 * time.Minute

	// priceRefreshBatchSize caps how many distinct groups one sweep
	// refreshes, to bound upstream load.
	priceRefreshBatchSize = 5
)

// PriceRefreshWorker keeps cached marketplace prices fresh in the background
// so match responses rarely pay for an upstream price fetch. Each sweep finds
// the groups with the stalest cached rows and re-fetches their price lists.
type PriceRefreshWorker struct {
	tcgPlayer *TCGPlayerService
	db        *gorm.DB
	interval  time.Duration

	mu            sync.RWMutex
	lastSweepTime time.Time
	rowsRefreshed int
	sweepsTotal   int
}

// RefreshStatus reports the worker's progress for the health endpoint.
type RefreshStatus struct {
	LastSweepTime time.Time `json:"last_sweep_time"`
	NextSweepTime time.Time `json:"next_sweep_time"`
	RowsRefreshed int       `json:"rows_refreshed"`
	SweepsTotal   int       `json:"sweeps_total"`
}

// NewPriceRefreshWorker creates a refresh worker. Returns nil when no price
// cache database is configured, since there is nothing to refresh.
func NewPriceRefreshWorker(tcgPlayer *TCGPlayerService, db *gorm.DB) *PriceRefreshWorker {
	if db == nil {
		return nil
	}
	return &PriceRefreshWorker{
		tcgPlayer: tcgPlayer,
		db:        db,
		interval:  priceRefreshInterval,
	}
}

// Start runs the worker until the context is cancelled.
func (w *PriceRefreshWorker) Start(ctx context.Context) {
	log.Printf("Price refresh worker started: sweeping up to %d groups every %v", priceRefreshBatchSize, w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Price refresh worker stopping...")
			return
		case <-ticker.C:
			if refreshed, err := w.Sweep(ctx); err != nil {
				log.Printf("Price refresh sweep failed: %v", err)
			} else if refreshed > 0 {
				log.Printf("Price refresh sweep updated %d cached rows", refreshed)
			}
		}
	}
}

// Sweep refreshes the stalest cached groups and returns how many rows were
// updated.
func (w *PriceRefreshWorker) Sweep(ctx context.Context) (int, error) {
	start := time.Now()

	groupIDs, err := w.staleGroups()
	if err != nil {
		metrics.PriceRefreshesTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	if len(groupIDs) == 0 {
		return 0, nil
	}

	refreshed := 0
	for _, groupID := range groupIDs {
		prices, err := w.tcgPlayer.GetPrices(ctx, groupID)
		if err != nil {
			metrics.PriceRefreshesTotal.WithLabelValues("error").Inc()
			log.Printf("Price refresh: failed to fetch prices for group %d: %v", groupID, err)
			continue
		}
		w.tcgPlayer.saveGroupPrices(groupID, "", prices)
		refreshed += len(prices)
	}

	w.mu.Lock()
	w.lastSweepTime = time.Now()
	w.rowsRefreshed += refreshed
	w.sweepsTotal++
	w.mu.Unlock()

	metrics.PriceRefreshesTotal.WithLabelValues("refreshed").Add(float64(refreshed))
	metrics.PriceRefreshDuration.Observe(time.Since(start).Seconds())
	return refreshed, nil
}

// staleGroups returns the distinct group IDs whose oldest cached price is
// past the staleness threshold, stalest first.
func (w *PriceRefreshWorker) staleGroups() ([]int, error) {
	cutoff := time.Now().Add(-priceStalenessThreshold)

	var groupIDs []int
	err := w.db.Model(&models.CachedProductPrice{}).
		Select("group_id").
		Group("group_id").
		Having("MIN(price_updated_at) < ?", cutoff).
		Order("MIN(price_updated_at)").
		Limit(priceRefreshBatchSize).
		Pluck("group_id", &groupIDs).Error
	if err != nil {
		return nil, err
	}
	return groupIDs, nil
}

// GetStatus returns the worker's current progress.
func (w *PriceRefreshWorker) GetStatus() RefreshStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return RefreshStatus{
		LastSweepTime: w.lastSweepTime,
		NextSweepTime: w.lastSweepTime.Add(w.interval),
		RowsRefreshed: w.rowsRefreshed,
		SweepsTotal:   w.sweepsTotal,
	}
}
