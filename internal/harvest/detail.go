package harvest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"carhive/ingest-service/internal/retry"
)

// DetailHarvester fetches the paid, per-item detail pages. It never decides
// whether a call should happen — cost gating and accounting belong to the
// orchestrator — only how to make one call resilient.
type DetailHarvester struct {
	auth    SessionClient
	baseURL string
	log     *logrus.Logger
	opts    retry.Options
}

// NewDetailHarvester builds a detail harvester. The base backoff delay is
// longer than the list harvester's: billable calls prefer fewer, more
// deliberate retries over aggressive hammering.
func NewDetailHarvester(auth SessionClient, baseURL string, log *logrus.Logger) *DetailHarvester {
	return &DetailHarvester{
		auth:    auth,
		baseURL: baseURL,
		log:     log,
		opts: retry.Options{
			MaxRetries:       retry.DefaultMaxRetries,
			BaseDelay:        retry.DefaultDetailBaseDelay,
			MaxDelay:         retry.DefaultMaxDelay,
			OnSessionExpired: auth.RefreshSession,
			Log:              log,
		},
	}
}

// FetchDetail navigates to the per-item detail endpoint and returns the raw
// HTML. The audit line is written before the navigation: the remote charge
// may apply regardless of how retries resolve afterwards.
func (h *DetailHarvester) FetchDetail(ctx context.Context, externalID, reason string) (string, error) {
	url := fmt.Sprintf("%s/auction?auction_id=%s", h.baseURL, externalID)

	h.log.WithFields(logrus.Fields{
		"auctionID": externalID,
		"reason":    reason,
		"billable":  true,
	}).Info("navigating to paid detail view")

	body, err := retry.WithRetry(ctx, h.opts, func(ctx context.Context) (string, error) {
		return fetchPage(ctx, h.auth, url)
	})
	if err != nil {
		return "", fmt.Errorf("fetch detail for %s: %w", externalID, err)
	}
	return body, nil
}
