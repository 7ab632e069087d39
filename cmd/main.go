// carhive-ingest-service — harvests auction listings from the trade platform,
// runs paid detail-fetch batches over operator-selected records, and promotes
// fetched records into the public catalog.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"carhive/ingest-service/internal/auth"
	"carhive/ingest-service/internal/config"
	"carhive/ingest-service/internal/db"
	"carhive/ingest-service/internal/harvest"
	"carhive/ingest-service/internal/images"
	"carhive/ingest-service/internal/ingest"
	"carhive/ingest-service/internal/scheduler"
	"carhive/ingest-service/internal/session"
	"carhive/ingest-service/internal/store"
)

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// batchPool builds a fresh parallel downloader per batch so each batch
// starts from the current cookie snapshot, not the one from process start.
type batchPool struct {
	auth *auth.Authenticator
	cfg  images.PoolConfig
	log  *logrus.Logger
}

func (p *batchPool) DownloadAll(ctx context.Context, externalIDs []string) (map[string][]string, error) {
	pool, err := images.NewPool(p.cfg, p.auth.CookieSnapshot(), p.log)
	if err != nil {
		return nil, err
	}
	return pool.DownloadAll(ctx, externalIDs)
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
	if err != nil {
		log.WithError(err).Fatal("postgres connection failed")
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("redis connection failed")
	}
	defer rdb.Close()

	sessions := session.NewStore(cfg.SessionFile, cfg.SessionTTL)
	authenticator, err := auth.New(auth.Config{
		PortalLoginURL:  cfg.PortalLoginURL,
		Username:        cfg.PortalUsername,
		Password:        cfg.PortalPassword,
		PlatformBaseURL: cfg.PlatformBaseURL,
		ClientID:        cfg.PlatformClientID,
	}, sessions, log)
	if err != nil {
		log.WithError(err).Fatal("authenticator setup failed")
	}
	if err := authenticator.Init(ctx); err != nil {
		log.WithError(err).Fatal("initial login failed")
	}

	st := store.NewPostgres(pool, cfg.MediaDir, log)
	ledger := store.NewLedger(rdb)

	lists := harvest.NewListHarvester(authenticator, cfg.PlatformBaseURL, log)
	details := harvest.NewDetailHarvester(authenticator, cfg.PlatformBaseURL, log)

	imgs := &batchPool{
		auth: authenticator,
		cfg: images.PoolConfig{
			BaseURL:     cfg.PlatformBaseURL,
			MediaDir:    cfg.MediaDir,
			Concurrency: cfg.ImageConcurrency,
			MaxImages:   cfg.MaxImagesPerItem,
		},
		log: log,
	}

	orchestrator := ingest.New(st, details, imgs, ledger, ingest.Config{
		UnitCost:     cfg.DetailViewCost,
		DailyCeiling: cfg.DailySpendCeiling,
	}, log)

	sched := scheduler.New(lists, st, cfg.HarvestIntervalHours, log)
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("scheduler start failed")
	}
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:  "ok",
			Service: "ingest-service",
			Version: "0.1.0",
		})
	})

	// One batch at a time; a second trigger while one runs is rejected.
	var batchMu sync.Mutex
	mux.HandleFunc("POST /jobs/run", func(w http.ResponseWriter, r *http.Request) {
		if !batchMu.TryLock() {
			http.Error(w, "a batch is already running", http.StatusConflict)
			return
		}
		defer batchMu.Unlock()

		job, err := orchestrator.RunBatch(r.Context())
		if err != nil && job == nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if job == nil {
			json.NewEncoder(w).Encode(map[string]string{"status": "nothing selected"})
			return
		}
		json.NewEncoder(w).Encode(job)
	})

	// Single-auction re-download, e.g. after a partial image set. Uses the
	// live authenticated client directly rather than a batch pool.
	mux.HandleFunc("POST /auctions/{id}/images/refresh", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		dl := images.NewDownloader(authenticator.Client(), cfg.PlatformBaseURL, cfg.MediaDir, log)
		paths, err := dl.DownloadAll(r.Context(), id, cfg.MaxImagesPerItem)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"auctionId": id, "images": len(paths)})
	})

	mux.HandleFunc("POST /auctions/{id}/import", func(w http.ResponseWriter, r *http.Request) {
		catalogID, err := st.PromoteToCatalog(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"catalogId": catalogID})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: mux,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown failed")
		os.Exit(1)
	}
}
