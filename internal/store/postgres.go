package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"carhive/ingest-service/internal/images"
	"carhive/ingest-service/internal/model"
	"carhive/ingest-service/internal/status"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool     *pgxpool.Pool
	mediaDir string
	log      *logrus.Logger
}

// NewPostgres builds the pgx-backed store. mediaDir is needed for the
// folder-rename side effect of catalog promotion.
func NewPostgres(pool *pgxpool.Pool, mediaDir string, log *logrus.Logger) *Postgres {
	return &Postgres{pool: pool, mediaDir: mediaDir, log: log}
}

func (p *Postgres) UpsertSummary(ctx context.Context, s model.AuctionSummary) error {
	location, err := json.Marshal(s.Location)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO scraped_auctions
		   (external_id, brand, model, year, mileage, fuel_type, power_kw,
		    engine_cc, co2, location, thumbnail_url, lifecycle_status,
		    expires_at, raw_source, selection_status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12,$13,$14,'PENDING')
		 ON CONFLICT (external_id) DO UPDATE SET
		   brand = EXCLUDED.brand,
		   model = EXCLUDED.model,
		   year = EXCLUDED.year,
		   mileage = EXCLUDED.mileage,
		   fuel_type = EXCLUDED.fuel_type,
		   power_kw = EXCLUDED.power_kw,
		   engine_cc = EXCLUDED.engine_cc,
		   co2 = EXCLUDED.co2,
		   location = EXCLUDED.location,
		   thumbnail_url = EXCLUDED.thumbnail_url,
		   lifecycle_status = EXCLUDED.lifecycle_status,
		   expires_at = EXCLUDED.expires_at,
		   raw_source = EXCLUDED.raw_source,
		   updated_at = now()`,
		s.ExternalID, s.Brand, s.Model, s.Year, s.Mileage, s.FuelType,
		s.PowerKW, s.EngineCC, s.CO2, string(location), s.ThumbnailURL,
		s.Status, s.ExpiresAt, s.RawSource,
	)
	if err != nil {
		return fmt.Errorf("upsert auction %s: %w", s.ExternalID, err)
	}
	return nil
}

func (p *Postgres) ListByStatus(ctx context.Context, st status.Status) ([]model.AuctionSummary, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT external_id, brand, model, year, mileage, fuel_type, power_kw,
		        engine_cc, co2, location, thumbnail_url, lifecycle_status, expires_at
		 FROM scraped_auctions
		 WHERE selection_status = $1
		 ORDER BY selected_at NULLS LAST, created_at`,
		string(st),
	)
	if err != nil {
		return nil, fmt.Errorf("query auctions by status %s: %w", st, err)
	}
	defer rows.Close()

	var out []model.AuctionSummary
	for rows.Next() {
		var s model.AuctionSummary
		var location []byte
		if err := rows.Scan(
			&s.ExternalID, &s.Brand, &s.Model, &s.Year, &s.Mileage, &s.FuelType,
			&s.PowerKW, &s.EngineCC, &s.CO2, &location, &s.ThumbnailURL,
			&s.Status, &s.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan auction row: %w", err)
		}
		if len(location) > 0 {
			if err := json.Unmarshal(location, &s.Location); err != nil {
				return nil, fmt.Errorf("decode location for %s: %w", s.ExternalID, err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateStatus(ctx context.Context, externalID string, from, to status.Status) error {
	if !status.IsTransitionAllowed(from, to) {
		return fmt.Errorf("status transition %s → %s is not allowed", from, to)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE scraped_auctions
		 SET selection_status = $1, updated_at = now()
		 WHERE external_id = $2 AND selection_status = $3`,
		string(to), externalID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", externalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auction %s not in status %s", externalID, from)
	}
	return nil
}

func (p *Postgres) BulkMarkError(ctx context.Context, externalIDs []string, reason string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	// Guarded like UpdateStatus: only in-flight records may be swept to
	// ERROR, a stray id in any other state stays untouched.
	_, err := p.pool.Exec(ctx,
		`UPDATE scraped_auctions
		 SET selection_status = 'ERROR', last_error = $2, updated_at = now()
		 WHERE external_id = ANY($1) AND selection_status = 'FETCHING'`,
		externalIDs, reason,
	)
	if err != nil {
		return fmt.Errorf("bulk mark error: %w", err)
	}
	return nil
}

func (p *Postgres) SaveDetail(ctx context.Context, d model.AuctionDetail, imagePaths []string) error {
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("marshal detail fields: %w", err)
	}
	paths, err := json.Marshal(imagePaths)
	if err != nil {
		return fmt.Errorf("marshal image paths: %w", err)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE scraped_auctions
		 SET vin = $2, detail_fields = $3::jsonb, image_paths = $4::jsonb,
		     detail_raw = $5, detail_fetched_at = now(), updated_at = now()
		 WHERE external_id = $1`,
		d.ExternalID, d.VIN, string(fields), string(paths), d.RawSource,
	)
	if err != nil {
		return fmt.Errorf("save detail for %s: %w", d.ExternalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auction %s not found for detail save", d.ExternalID)
	}
	return nil
}

func (p *Postgres) CreateJob(ctx context.Context, job *model.IngestionJob, externalIDs []string) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin job tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, item_count, estimated_cost, actual_cost, status, progress)
		 VALUES ($1, $2, $3, 0, $4, 0)`,
		job.ID, job.ItemCount, job.EstimatedCost, string(job.Status),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for i, id := range externalIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO ingestion_job_items (job_id, external_id, position)
			 VALUES ($1, $2, $3)`,
			job.ID, id, i,
		)
		if err != nil {
			return fmt.Errorf("insert job item %s: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job tx: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateJobProgress(ctx context.Context, job model.IngestionJob) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET progress = $2, actual_cost = $3, success_count = $4, failed_count = $5
		 WHERE id = $1`,
		job.ID, job.Progress, job.ActualCost, job.SuccessCount, job.FailedCount,
	)
	if err != nil {
		return fmt.Errorf("update job %s progress: %w", job.ID, err)
	}
	return nil
}

func (p *Postgres) FinishJob(ctx context.Context, job model.IngestionJob) error {
	failures, err := json.Marshal(job.Failures)
	if err != nil {
		return fmt.Errorf("marshal job failures: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = $2, progress = $3, actual_cost = $4, success_count = $5,
		     failed_count = $6, failures = $7::jsonb, finished_at = now()
		 WHERE id = $1`,
		job.ID, string(job.Status), job.Progress, job.ActualCost,
		job.SuccessCount, job.FailedCount, string(failures),
	)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Postgres) PromoteToCatalog(ctx context.Context, externalID string) (string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin promote tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var selStatus string
	var existingCatalogID *string
	var imagePathsRaw []byte
	err = tx.QueryRow(ctx,
		`SELECT selection_status, catalog_id, image_paths
		 FROM scraped_auctions WHERE external_id = $1 FOR UPDATE`,
		externalID,
	).Scan(&selStatus, &existingCatalogID, &imagePathsRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("auction %s not found", externalID)
	}
	if err != nil {
		return "", fmt.Errorf("load auction %s: %w", externalID, err)
	}

	action, err := resolvePromotion(status.Status(selStatus), existingCatalogID)
	if err != nil {
		return "", fmt.Errorf("promote %s: %w", externalID, err)
	}
	if action == promoteLinkExisting {
		return *existingCatalogID, nil
	}

	catalogID := uuid.NewString()
	_, err = tx.Exec(ctx,
		`INSERT INTO catalog_vehicles
		   (id, external_id, brand, model, year, mileage, fuel_type, power_kw,
		    engine_cc, co2, vin, detail_fields, location)
		 SELECT $1, external_id, brand, model, year, mileage, fuel_type, power_kw,
		        engine_cc, co2, vin, detail_fields, location
		 FROM scraped_auctions WHERE external_id = $2`,
		catalogID, externalID,
	)
	if err != nil {
		return "", fmt.Errorf("insert catalog entry for %s: %w", externalID, err)
	}

	var imagePaths []string
	if len(imagePathsRaw) > 0 {
		if err := json.Unmarshal(imagePathsRaw, &imagePaths); err != nil {
			return "", fmt.Errorf("decode image paths for %s: %w", externalID, err)
		}
	}
	renamed, err := json.Marshal(images.SubstituteID(imagePaths, externalID, catalogID))
	if err != nil {
		return "", fmt.Errorf("marshal renamed image paths: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE scraped_auctions
		 SET selection_status = 'IMPORTED', catalog_id = $2,
		     image_paths = $3::jsonb, updated_at = now()
		 WHERE external_id = $1`,
		externalID, catalogID, string(renamed),
	)
	if err != nil {
		return "", fmt.Errorf("mark %s imported: %w", externalID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit promote tx: %w", err)
	}

	// Folder rename happens after commit; a crash in between leaves the
	// old folder name, which PromoteDir tolerates on the next attempt.
	if err := images.PromoteDir(p.mediaDir, externalID, catalogID); err != nil {
		p.log.WithError(err).WithField("auctionID", externalID).
			Error("catalog promoted but media folder rename failed")
	}

	return catalogID, nil
}
