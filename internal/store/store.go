// Package store is the persistence collaborator for scraped auctions,
// ingestion jobs and the public catalog, keyed throughout by the platform's
// external identifier.
package store

import (
	"context"

	"carhive/ingest-service/internal/model"
	"carhive/ingest-service/internal/status"
)

// Store is the persistence surface consumed by the harvest scheduler and
// the ingestion orchestrator.
type Store interface {
	// UpsertSummary creates the record on first sight and updates vehicle
	// fields on later sights. Curation fields (selection status, catalog
	// link) are never touched by an upsert.
	UpsertSummary(ctx context.Context, s model.AuctionSummary) error

	// ListByStatus returns all summaries currently in the given selection
	// status, in selection order.
	ListByStatus(ctx context.Context, st status.Status) ([]model.AuctionSummary, error)

	// UpdateStatus moves one record from → to. The move must be a valid
	// state-machine transition; invalid moves are rejected.
	UpdateStatus(ctx context.Context, externalID string, from, to status.Status) error

	// BulkMarkError moves every given record that is currently FETCHING to
	// ERROR in one update, recording the shared reason. Records in any other
	// state are left untouched. Used on fatal session loss.
	BulkMarkError(ctx context.Context, externalIDs []string, reason string) error

	// SaveDetail stores the paid-scope fields and the local image paths on
	// the owning summary.
	SaveDetail(ctx context.Context, d model.AuctionDetail, imagePaths []string) error

	// CreateJob persists a job and its item associations atomically.
	CreateJob(ctx context.Context, job *model.IngestionJob, externalIDs []string) error

	// UpdateJobProgress records incremental progress and running cost.
	UpdateJobProgress(ctx context.Context, job model.IngestionJob) error

	// FinishJob writes the terminal job state including the failure list.
	FinishJob(ctx context.Context, job model.IngestionJob) error

	// PromoteToCatalog copies a FETCHED record into the public catalog and
	// marks it IMPORTED, renaming the media folder and rewriting stored
	// image paths from the external id to the catalog id. Idempotent:
	// promoting an already imported record returns the existing catalog id.
	PromoteToCatalog(ctx context.Context, externalID string) (catalogID string, err error)
}
