package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// coverageComputeTimeout bounds one shared inventory pass.
const coverageComputeTimeout = 30 * time.Second

// CategoryCoverage aggregates the tables of every source serving one category.
type CategoryCoverage struct {
	Category model.GapType     `json:"category"`
	Entities int               `json:"entities"`
	Rows     int               `json:"rows"`
	MinDate  string            `json:"min_date,omitempty"`
	MaxDate  string            `json:"max_date,omitempty"`
	Skipped  int               `json:"skipped_partitions"`
	Sources  []store.Inventory `json:"sources"`
}

// CoverageReport is the body of GET /status/coverage.
type CoverageReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Categories  []CategoryCoverage `json:"categories"`
}

// CoverageCache serves coverage reports computed from partition inventories. A report is
// reused until ttl expires; concurrent misses share one computation.
type CoverageCache struct {
	registry *source.Registry
	ttl      time.Duration
	now      func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	report  *CoverageReport
	expires time.Time
}

// NewCoverageCache creates a cache over the registered sources.
func NewCoverageCache(registry *source.Registry, ttl time.Duration) *CoverageCache {
	return &CoverageCache{registry: registry, ttl: ttl, now: time.Now}
}

// Get returns a cached report or computes a fresh one.
func (c *CoverageCache) Get(ctx context.Context) (*CoverageReport, error) {
	c.mu.Lock()
	if c.report != nil && c.now().Before(c.expires) {
		report := c.report
		c.mu.Unlock()
		return report, nil
	}
	c.mu.Unlock()

	// The computation outlives any single caller; a waiter that gives up leaves it running
	// for the others.
	ch := c.group.DoChan("coverage", func() (interface{}, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), coverageComputeTimeout)
		defer cancel()
		report, err := c.compute(computeCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.report = report
		c.expires = c.now().Add(c.ttl)
		c.mu.Unlock()
		return report, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CoverageReport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached report.
func (c *CoverageCache) Invalidate() {
	c.mu.Lock()
	c.report = nil
	c.mu.Unlock()
}

func (c *CoverageCache) compute(ctx context.Context) (*CoverageReport, error) {
	byCategory := make(map[model.GapType]*CategoryCoverage)
	for _, name := range c.registry.Names() {
		a, err := c.registry.Get(name)
		if err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta := a.Metadata()
		inv, err := a.Reader().Inventory(ctx)
		if err != nil {
			logger.Warnf("Coverage: source '%s' has unreadable partitions: %v", name, err)
		}
		cat, ok := byCategory[meta.Category]
		if !ok {
			cat = &CategoryCoverage{Category: meta.Category}
			byCategory[meta.Category] = cat
		}
		cat.Sources = append(cat.Sources, inv)
		// Entities are counted per source; the same key under two sources counts twice.
		cat.Entities += inv.Entities
		cat.Rows += inv.Rows
		cat.Skipped += inv.Skipped
		if inv.MinDate != "" && (cat.MinDate == "" || inv.MinDate < cat.MinDate) {
			cat.MinDate = inv.MinDate
		}
		if inv.MaxDate > cat.MaxDate {
			cat.MaxDate = inv.MaxDate
		}
	}

	report := &CoverageReport{GeneratedAt: c.now().UTC(), Categories: make([]CategoryCoverage, 0, len(byCategory))}
	for _, cat := range byCategory {
		report.Categories = append(report.Categories, *cat)
	}
	sort.Slice(report.Categories, func(i, j int) bool {
		return report.Categories[i].Category < report.Categories[j].Category
	})
	return report, nil
}
