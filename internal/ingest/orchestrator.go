// Package ingest runs paid detail-fetch batches over operator-selected
// auctions: cost estimation, serial per-item harvesting, image downloads,
// persistence and job bookkeeping.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"carhive/ingest-service/internal/errs"
	"carhive/ingest-service/internal/model"
	"carhive/ingest-service/internal/parse"
	"carhive/ingest-service/internal/status"
	"carhive/ingest-service/internal/store"
)

// DetailFetcher is the slice of the detail harvester the orchestrator uses.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, externalID, reason string) (string, error)
}

// ImageDownloader downloads image sets; the parallel pool satisfies it.
type ImageDownloader interface {
	DownloadAll(ctx context.Context, externalIDs []string) (map[string][]string, error)
}

// SpendLedger tracks billable spend against the daily ceiling.
type SpendLedger interface {
	Add(ctx context.Context, amount float64, now time.Time) (float64, error)
	Total(ctx context.Context, now time.Time) (float64, error)
}

// Config carries the cost constants.
type Config struct {
	UnitCost     float64 // fixed price per successful detail navigation
	DailyCeiling float64 // maximum billable spend per calendar day
}

// Orchestrator drives one batch at a time. Items are processed serially and
// in selection order: every step may be billable, so the ordering of
// cost-incurring calls stays deterministic and auditable.
type Orchestrator struct {
	store   store.Store
	details DetailFetcher
	imgs    ImageDownloader
	ledger  SpendLedger
	cfg     Config
	log     *logrus.Logger
	now     func() time.Time
}

// New builds an Orchestrator.
func New(st store.Store, details DetailFetcher, imgs ImageDownloader, ledger SpendLedger, cfg Config, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:   st,
		details: details,
		imgs:    imgs,
		ledger:  ledger,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// RunBatch picks up every SELECTED auction and runs the paid fetch for each
// one. A non-fatal per-item failure marks only that item ERROR and the loop
// continues — partial success is a first-class outcome. An unrecovered
// session loss marks the current and every remaining item ERROR in one bulk
// update and halts: a dead session fails every subsequent call identically.
//
// The job ends COMPLETED when at least one item succeeded, FAILED when none
// did. Returns the finished job; the error is non-nil only for setup
// failures and the batch-halting session loss.
func (o *Orchestrator) RunBatch(ctx context.Context) (*model.IngestionJob, error) {
	selected, err := o.store.ListByStatus(ctx, status.StatusSelected)
	if err != nil {
		return nil, fmt.Errorf("load selected auctions: %w", err)
	}
	if len(selected) == 0 {
		o.log.Info("no auctions selected — nothing to ingest")
		return nil, nil
	}

	ids := make([]string, 0, len(selected))
	for _, s := range selected {
		ids = append(ids, s.ExternalID)
	}

	// Worst-case exposure is computed and checked before any network call.
	estimated := float64(len(ids)) * o.cfg.UnitCost
	spent, err := o.ledger.Total(ctx, o.now())
	if err != nil {
		return nil, fmt.Errorf("read spend ledger: %w", err)
	}
	if spent+estimated > o.cfg.DailyCeiling {
		return nil, fmt.Errorf("batch of %d items would exceed the daily spend ceiling (%.2f spent, %.2f estimated, %.2f ceiling)",
			len(ids), spent, estimated, o.cfg.DailyCeiling)
	}

	job := &model.IngestionJob{
		ID:            uuid.NewString(),
		ItemCount:     len(ids),
		EstimatedCost: estimated,
		Status:        model.JobRunning,
		CreatedAt:     o.now(),
	}
	if err := o.store.CreateJob(ctx, job, ids); err != nil {
		return nil, fmt.Errorf("create ingestion job: %w", err)
	}

	o.log.WithFields(logrus.Fields{
		"jobID":         job.ID,
		"items":         job.ItemCount,
		"estimatedCost": job.EstimatedCost,
	}).Info("ingestion batch started")

	for _, id := range ids {
		if err := o.store.UpdateStatus(ctx, id, status.StatusSelected, status.StatusFetching); err != nil {
			return nil, fmt.Errorf("mark %s fetching: %w", id, err)
		}
	}

	var halted error
	for i, id := range ids {
		itemErr := o.processItem(ctx, job, id)
		job.Progress = i + 1

		switch {
		case itemErr == nil:
			job.SuccessCount++

		case errs.IsSessionExpired(itemErr):
			// Fatal: the refresh path inside the retry engine already failed.
			remaining := ids[i:]
			reason := fmt.Sprintf("session lost and not recoverable: %v", itemErr)
			if err := o.store.BulkMarkError(ctx, remaining, reason); err != nil {
				o.log.WithError(err).Error("bulk error mark failed after session loss")
			}
			for _, rid := range remaining {
				job.FailedCount++
				job.Failures = append(job.Failures, model.ItemFailure{ExternalID: rid, Reason: reason})
			}
			job.Progress = len(ids)
			halted = itemErr
			o.log.WithFields(logrus.Fields{
				"jobID":     job.ID,
				"failedAt":  id,
				"remaining": len(remaining),
			}).Error("fatal session loss — halting batch")

		default:
			job.FailedCount++
			job.Failures = append(job.Failures, model.ItemFailure{ExternalID: id, Reason: itemErr.Error()})
			if err := o.store.UpdateStatus(ctx, id, status.StatusFetching, status.StatusError); err != nil {
				o.log.WithError(err).WithField("auctionID", id).Error("could not mark item ERROR")
			}
			o.log.WithError(itemErr).WithField("auctionID", id).Warn("item failed — continuing batch")
		}

		if halted != nil {
			break
		}
		if err := o.store.UpdateJobProgress(ctx, *job); err != nil {
			o.log.WithError(err).Error("could not persist job progress")
		}
	}

	if job.SuccessCount > 0 {
		job.Status = model.JobCompleted
	} else {
		job.Status = model.JobFailed
	}
	finished := o.now()
	job.FinishedAt = &finished

	if err := o.store.FinishJob(ctx, *job); err != nil {
		o.log.WithError(err).Error("could not persist finished job")
	}

	o.log.WithFields(logrus.Fields{
		"jobID":      job.ID,
		"status":     job.Status,
		"succeeded":  job.SuccessCount,
		"failed":     job.FailedCount,
		"actualCost": job.ActualCost,
	}).Info("ingestion batch finished")

	return job, halted
}

// processItem runs the billable fetch → parse → download → persist chain
// for one auction and moves it to FETCHED on success.
func (o *Orchestrator) processItem(ctx context.Context, job *model.IngestionJob, id string) error {
	body, err := o.details.FetchDetail(ctx, id, "ingestion job "+job.ID)
	if err != nil {
		return err
	}

	// The charge applied the moment the navigation succeeded, regardless of
	// how the rest of the chain goes.
	job.ActualCost += o.cfg.UnitCost
	if _, err := o.ledger.Add(ctx, o.cfg.UnitCost, o.now()); err != nil {
		o.log.WithError(err).Warn("spend ledger update failed")
	}

	detail, err := parse.ParseDetail(body, id)
	if err != nil {
		return fmt.Errorf("parse detail: %w", err)
	}

	results, err := o.imgs.DownloadAll(ctx, []string{id})
	if err != nil {
		return fmt.Errorf("download images: %w", err)
	}

	if err := o.store.SaveDetail(ctx, detail, results[id]); err != nil {
		return fmt.Errorf("persist detail: %w", err)
	}
	if err := o.store.UpdateStatus(ctx, id, status.StatusFetching, status.StatusFetched); err != nil {
		return fmt.Errorf("mark fetched: %w", err)
	}
	return nil
}
