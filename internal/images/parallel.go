package images

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"carhive/ingest-service/internal/errs"
	"carhive/ingest-service/internal/session"
)

// PoolConfig tunes the parallel downloader.
type PoolConfig struct {
	BaseURL           string
	MediaDir          string
	Concurrency       int           // number of isolated worker contexts
	MaxImages         int           // absolute per-auction index ceiling
	ConsecutiveStop   int           // consecutive placeholder/error threshold
	Timeout           time.Duration // per-fetch timeout
	InterAuctionDelay time.Duration // pause between auctions on one worker
}

func (c *PoolConfig) fill() {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.MaxImages < 1 {
		c.MaxImages = 50
	}
	if c.ConsecutiveStop < 1 {
		c.ConsecutiveStop = stopAfterConsecutive
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Pool downloads image sets for many auctions concurrently. Workers never
// share an HTTP client or cookie jar; each is seeded with its own copy of
// the credential snapshot, so authentication is paid once per batch while
// in-flight state stays isolated per worker.
type Pool struct {
	cfg     PoolConfig
	baseURL *url.URL
	cookies session.State // read-only snapshot, copied into each worker
	log     *logrus.Logger
}

// NewPool validates the media directory and the base URL and captures the
// cookie snapshot by value.
func NewPool(cfg PoolConfig, cookies session.State, log *logrus.Logger) (*Pool, error) {
	cfg.fill()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, errs.Wrap(errs.ClassEnvironmentFault,
			fmt.Sprintf("malformed image base URL %q", cfg.BaseURL), err)
	}
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.ClassEnvironmentFault,
			fmt.Sprintf("media dir %s is not writable", cfg.MediaDir), err)
	}
	return &Pool{cfg: cfg, baseURL: base, cookies: cookies.Clone(), log: log}, nil
}

// DownloadAll fans the auction list out across the worker pool and returns
// a result for every requested auction — an auction with zero images maps
// to an empty (but present) slice, never a missing key.
func (p *Pool) DownloadAll(ctx context.Context, externalIDs []string) (map[string][]string, error) {
	results := make(map[string][]string, len(externalIDs))
	for _, id := range externalIDs {
		results[id] = []string{}
	}

	// Contexts are built before any worker starts so a setup fault can't
	// leave half a pool running.
	clients := make([]*http.Client, p.cfg.Concurrency)
	for w := range clients {
		client, err := p.newWorkerClient()
		if err != nil {
			return nil, err
		}
		clients[w] = client
	}

	queue := make(chan string)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < p.cfg.Concurrency; w++ {
		worker := w
		client := clients[w]
		g.Go(func() error {
			first := true
			for id := range queue {
				if !first && p.cfg.InterAuctionDelay > 0 {
					select {
					case <-time.After(p.cfg.InterAuctionDelay):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				first = false

				paths := p.downloadAuction(ctx, client, worker, id)
				mu.Lock()
				results[id] = paths
				mu.Unlock()

				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(queue)
		for _, id := range externalIDs {
			select {
			case queue <- id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// newWorkerClient builds one isolated context: a fresh jar seeded with a
// copy of the shared cookie snapshot.
func (p *Pool) newWorkerClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errs.Wrap(errs.ClassEnvironmentFault, "cookie jar init failed", err)
	}
	jar.SetCookies(p.baseURL, p.cookies.Clone().HTTPCookies())
	return &http.Client{Jar: jar, Timeout: p.cfg.Timeout}, nil
}

// downloadAuction walks photo indices upward until ConsecutiveStop empty
// indices in a row or the absolute ceiling. Valid images reset the counter:
// a single transient blip inside an album does not end the walk.
func (p *Pool) downloadAuction(ctx context.Context, client *http.Client, worker int, externalID string) []string {
	dir := filepath.Join(p.cfg.MediaDir, externalID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.log.WithError(err).WithField("auctionID", externalID).Error("cannot create auction media dir")
		return []string{}
	}

	paths := []string{}
	consecutive := 0
	for index := 0; index < p.cfg.MaxImages; index++ {
		if ctx.Err() != nil {
			break
		}
		path, err := fetchAndStore(ctx, client, p.cfg.BaseURL, dir, externalID, index)
		if err != nil {
			consecutive++
			if consecutive >= p.cfg.ConsecutiveStop {
				break
			}
			continue
		}
		consecutive = 0
		paths = append(paths, path)
	}

	p.log.WithFields(logrus.Fields{
		"worker":    worker,
		"auctionID": externalID,
		"images":    len(paths),
	}).Debug("auction image set complete")
	return paths
}
