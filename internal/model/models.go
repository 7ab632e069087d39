// Package model defines shared data structures for the ingest service.
package model

import "time"

// AuctionSummary is a free, list-scope record harvested from the platform's
// listing grid. The platform-assigned ExternalID is the natural key; the
// persistence layer upserts on it.
type AuctionSummary struct {
	ExternalID   string
	Brand        string
	Model        string
	Year         *int
	Mileage      *int
	FuelType     string
	PowerKW      *int
	EngineCC     *int
	CO2          *int
	Location     Location
	ThumbnailURL string
	Status       string // lifecycle status string as shown on the platform
	ExpiresAt    *time.Time
	RawSource    string // raw list-row HTML kept for audit
}

// Location is the four-line location block attached to a listing.
type Location struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// AuctionDetail is the paid, per-item superset of a summary. Produced only by
// a billable detail-page fetch.
type AuctionDetail struct {
	ExternalID string
	VIN        string
	Fields     map[string]string // parsed free-form label→value technical fields
	ImageURLs  []string          // full-resolution image references, page order
	RawSource  string
}

// IngestionJob groups a batch of summaries selected together for a paid
// detail fetch. EstimatedCost is computed eagerly (count × unit price) so
// worst-case exposure is visible before any network call; ActualCost grows
// only on confirmed successful detail fetches.
type IngestionJob struct {
	ID            string        `json:"id"`
	ItemCount     int           `json:"itemCount"`
	EstimatedCost float64       `json:"estimatedCost"`
	ActualCost    float64       `json:"actualCost"`
	Status        JobStatus     `json:"status"`
	Progress      int           `json:"progress"`
	SuccessCount  int           `json:"successCount"`
	FailedCount   int           `json:"failedCount"`
	Failures      []ItemFailure `json:"failures,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
}

// JobStatus is the lifecycle of an IngestionJob.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// ItemFailure records why one item of a batch did not land. Kept structured
// because every item is billable and operators need to know precisely which
// paid calls failed.
type ItemFailure struct {
	ExternalID string `json:"externalId"`
	Reason     string `json:"reason"`
}

// HarvestStats aggregates the outcome of one full list-harvest cycle.
type HarvestStats struct {
	TabsFetched int
	RowsParsed  int
	Unparseable int
	Duplicates  int
	Auctions    int
}
