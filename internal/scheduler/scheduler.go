// Package scheduler wires up the cron job that periodically harvests the
// free listing tabs and upserts the results.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"carhive/ingest-service/internal/model"
	"carhive/ingest-service/internal/store"
)

// ListSource is the slice of the list harvester the scheduler drives.
type ListSource interface {
	FetchAllTabs(ctx context.Context) ([]model.AuctionSummary, model.HarvestStats, error)
}

// Scheduler wraps robfig/cron and manages the recurring list harvest.
type Scheduler struct {
	cron  *cron.Cron
	lists ListSource
	store store.Store
	spec  string // cron spec, e.g. "@every 6h"
	log   *logrus.Logger
}

// New creates a Scheduler that fires every intervalHours hours.
func New(lists ListSource, st store.Store, intervalHours int, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithLogger(cron.DefaultLogger)),
		lists: lists,
		store: st,
		spec:  fmt.Sprintf("@every %dh", intervalHours),
		log:   log,
	}
}

// Start registers the job and starts the scheduler. Also runs one harvest
// immediately so the feed is populated without waiting for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.runHarvest(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.log.WithField("spec", s.spec).Info("harvest cron started")

	// Run immediately on startup (non-blocking)
	go s.runHarvest(ctx)

	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("harvest cron stopped")
}

// runHarvest fetches every listing tab and upserts the merged rows. Listing
// pages are free, so a failed cycle costs nothing and simply waits for the
// next tick.
func (s *Scheduler) runHarvest(ctx context.Context) {
	s.log.Info("harvest cycle started")

	rows, stats, err := s.lists.FetchAllTabs(ctx)
	if err != nil {
		s.log.WithError(err).Error("list harvest failed")
		return
	}

	upserted := 0
	for _, row := range rows {
		if err := s.store.UpsertSummary(ctx, row); err != nil {
			s.log.WithError(err).WithField("auctionID", row.ExternalID).Error("upsert failed")
			continue
		}
		upserted++
	}

	s.log.WithFields(logrus.Fields{
		"tabs":     stats.TabsFetched,
		"auctions": stats.Auctions,
		"upserted": upserted,
	}).Info("harvest cycle complete")
}
