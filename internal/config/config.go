// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the ingest service.
type Config struct {
	Port             string
	DatabaseURL      string
	DatabaseMaxConns int // pgx pool size cap
	RedisURL         string

	// Identity portal (first hop of the login flow).
	PortalLoginURL string
	PortalUsername string
	PortalPassword string

	// Auction platform (second hop of the login flow).
	PlatformBaseURL  string
	PlatformClientID string

	// Session persistence.
	SessionFile string
	SessionTTL  time.Duration // persisted cookies older than this are discarded

	// Image downloading.
	MediaDir         string
	ImageConcurrency int // parallel downloader pool size
	MaxImagesPerItem int // absolute per-auction photo index ceiling

	// Cost accounting. Every successful detail-page navigation is billed at
	// DetailViewCost; DailySpendCeiling caps the per-day total.
	DetailViewCost    float64
	DailySpendCeiling float64

	HarvestIntervalHours int // how often the cron list harvest fires
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	portalURL := os.Getenv("PORTAL_LOGIN_URL")
	if portalURL == "" {
		return nil, fmt.Errorf("PORTAL_LOGIN_URL is required")
	}
	username := os.Getenv("PORTAL_USERNAME")
	password := os.Getenv("PORTAL_PASSWORD")
	if username == "" || password == "" {
		return nil, fmt.Errorf("PORTAL_USERNAME and PORTAL_PASSWORD are required")
	}

	platformURL := os.Getenv("PLATFORM_BASE_URL")
	if platformURL == "" {
		return nil, fmt.Errorf("PLATFORM_BASE_URL is required")
	}

	cfg := &Config{
		Port:                 envOr("INGEST_PORT", "8082"),
		DatabaseURL:          dbURL,
		DatabaseMaxConns:     8,
		RedisURL:             redisURL,
		PortalLoginURL:       portalURL,
		PortalUsername:       username,
		PortalPassword:       password,
		PlatformBaseURL:      platformURL,
		PlatformClientID:     os.Getenv("PLATFORM_CLIENT_ID"),
		SessionFile:          envOr("SESSION_FILE", "session.json"),
		SessionTTL:           time.Hour,
		MediaDir:             envOr("MEDIA_DIR", "media"),
		ImageConcurrency:     5,
		MaxImagesPerItem:     50,
		DetailViewCost:       1.50,
		DailySpendCeiling:    250,
		HarvestIntervalHours: 6,
	}

	if s := os.Getenv("DB_MAX_CONNS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("DB_MAX_CONNS must be a positive integer, got %q", s)
		}
		cfg.DatabaseMaxConns = v
	}

	if s := os.Getenv("IMAGE_CONCURRENCY"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("IMAGE_CONCURRENCY must be a positive integer, got %q", s)
		}
		cfg.ImageConcurrency = v
	}

	if s := os.Getenv("MAX_IMAGES_PER_ITEM"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("MAX_IMAGES_PER_ITEM must be a positive integer, got %q", s)
		}
		cfg.MaxImagesPerItem = v
	}

	if s := os.Getenv("DETAIL_VIEW_COST"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("DETAIL_VIEW_COST must be a non-negative number, got %q", s)
		}
		cfg.DetailViewCost = v
	}

	if s := os.Getenv("DAILY_SPEND_CEILING"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("DAILY_SPEND_CEILING must be a positive number, got %q", s)
		}
		cfg.DailySpendCeiling = v
	}

	if s := os.Getenv("HARVEST_INTERVAL_HOURS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("HARVEST_INTERVAL_HOURS must be a positive integer, got %q", s)
		}
		cfg.HarvestIntervalHours = v
	}

	if s := os.Getenv("SESSION_TTL_MINUTES"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("SESSION_TTL_MINUTES must be a positive integer, got %q", s)
		}
		cfg.SessionTTL = time.Duration(v) * time.Minute
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
