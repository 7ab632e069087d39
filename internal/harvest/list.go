// Package harvest implements the authenticated fetching of listing and
// detail pages. List pages are free; detail pages are billable per
// navigation, so the two harvesters carry different retry temperaments.
package harvest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"carhive/ingest-service/internal/errs"
	"carhive/ingest-service/internal/model"
	"carhive/ingest-service/internal/parse"
	"carhive/ingest-service/internal/retry"
)

// SessionClient is the slice of the authenticator the harvesters need: an
// authenticated HTTP client and a way to refresh it on expiry.
type SessionClient interface {
	Client() *http.Client
	RefreshSession(ctx context.Context) error
}

// defaultDayTabs is the fixed fallback range used when the menu page yields
// no day identifiers at all.
var defaultDayTabs = []int{1, 2, 3, 4, 5}

// ListHarvester fetches the free, non-billable listing pages.
type ListHarvester struct {
	auth    SessionClient
	baseURL string
	log     *logrus.Logger
	limiter *rate.Limiter
	opts    retry.Options
}

// NewListHarvester builds a list harvester. Tab fetches are paced by a rate
// limiter so sequential tab walks don't hammer the source.
func NewListHarvester(auth SessionClient, baseURL string, log *logrus.Logger) *ListHarvester {
	return &ListHarvester{
		auth:    auth,
		baseURL: baseURL,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		opts: retry.Options{
			MaxRetries:       retry.DefaultMaxRetries,
			BaseDelay:        retry.DefaultBaseDelay,
			MaxDelay:         retry.DefaultMaxDelay,
			OnSessionExpired: auth.RefreshSession,
			Log:              log,
		},
	}
}

// FetchAvailableDayTabs scans the menu endpoint for day identifiers,
// de-duplicated and sorted ascending, falling back to the default range when
// none are found.
func (h *ListHarvester) FetchAvailableDayTabs(ctx context.Context) ([]int, error) {
	url := fmt.Sprintf("%s/get?component=dashboard.auctions.Menu", h.baseURL)
	body, err := retry.WithRetry(ctx, h.opts, func(ctx context.Context) (string, error) {
		return fetchPage(ctx, h.auth, url)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch day tab menu: %w", err)
	}

	tabs := parse.ExtractDayTabs(body)
	if len(tabs) == 0 {
		h.log.Warn("no day tabs discovered in menu — using default range")
		tabs = append([]int(nil), defaultDayTabs...)
	}
	return tabs, nil
}

// FetchListForTab retrieves the raw listing HTML for one day tab.
func (h *ListHarvester) FetchListForTab(ctx context.Context, dayID int) (string, error) {
	url := fmt.Sprintf("%s/get?component=dashboard.auctions.Lists&day_id=%d", h.baseURL, dayID)
	body, err := retry.WithRetry(ctx, h.opts, func(ctx context.Context) (string, error) {
		return fetchPage(ctx, h.auth, url)
	})
	if err != nil {
		return "", fmt.Errorf("fetch list for day tab %d: %w", dayID, err)
	}
	return body, nil
}

// FetchAllTabs walks every discovered tab in ascending order, parses each
// page, and merges the results de-duplicated by external identifier (first
// occurrence wins).
func (h *ListHarvester) FetchAllTabs(ctx context.Context) ([]model.AuctionSummary, model.HarvestStats, error) {
	tabs, err := h.FetchAvailableDayTabs(ctx)
	if err != nil {
		return nil, model.HarvestStats{}, err
	}

	var stats model.HarvestStats
	seen := map[string]bool{}
	var merged []model.AuctionSummary

	for _, dayID := range tabs {
		if err := h.limiter.Wait(ctx); err != nil {
			return merged, stats, err
		}

		body, err := h.FetchListForTab(ctx, dayID)
		if err != nil {
			return merged, stats, err
		}
		stats.TabsFetched++

		result, err := parse.ParseList(body)
		if err != nil {
			return merged, stats, err
		}
		stats.RowsParsed += len(result.Rows)
		stats.Unparseable += len(result.Unparseable)
		for _, row := range result.Unparseable {
			h.log.WithFields(logrus.Fields{
				"auctionID": row.ExternalID,
				"dayID":     dayID,
				"reason":    row.Reason,
			}).Warn("skipping unparseable list row")
		}

		for _, row := range result.Rows {
			if seen[row.ExternalID] {
				stats.Duplicates++
				continue
			}
			seen[row.ExternalID] = true
			merged = append(merged, row)
		}
	}

	stats.Auctions = len(merged)
	h.log.WithFields(logrus.Fields{
		"tabs":        stats.TabsFetched,
		"auctions":    stats.Auctions,
		"duplicates":  stats.Duplicates,
		"unparseable": stats.Unparseable,
	}).Info("list harvest complete")
	return merged, stats, nil
}

// fetchPage performs one authenticated GET, mapping the response onto the
// error taxonomy: 401/403 or a login-redirect landing is a session loss, 5xx
// is retryable, other non-2xx is a plain scrape failure.
func fetchPage(ctx context.Context, auth SessionClient, url string) (string, error) {
	client := auth.Client()
	if client == nil {
		return "", errs.SessionExpired("no authenticated session")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := errs.FromStatusCode(resp.StatusCode, url); err != nil {
		return "", err
	}
	if errs.IsLoginRedirect(resp.Request.URL.String()) {
		return "", errs.SessionExpired(fmt.Sprintf("redirected to login while fetching %s", url))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body of %s: %w", url, err)
	}
	return string(body), nil
}
