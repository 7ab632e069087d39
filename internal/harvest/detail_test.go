package harvest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"carhive/ingest-service/internal/errs"
)

func fastDetailRetry(h *DetailHarvester) {
	h.opts.BaseDelay = time.Microsecond
	h.opts.MaxDelay = time.Millisecond
}

func TestFetchDetail_SucceedsAfterTwoServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auction" || r.URL.Query().Get("auction_id") != "4821907" {
			http.NotFound(w, r)
			return
		}
		if hits.Add(1) <= 2 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `<html><body><p>VIN: WVWZZZ1KZGW123456</p></body></html>`)
	}))
	defer srv.Close()

	h := NewDetailHarvester(&fakeAuth{client: srv.Client()}, srv.URL, quietLogger())
	fastDetailRetry(h)

	body, err := h.FetchDetail(context.Background(), "4821907", "operator batch 7")
	if err != nil {
		t.Fatalf("FetchDetail: %v", err)
	}
	if body == "" {
		t.Error("expected detail body")
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want success on 3rd attempt", hits.Load())
	}
}

func TestFetchDetail_ExhaustedRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewDetailHarvester(&fakeAuth{client: srv.Client()}, srv.URL, quietLogger())
	fastDetailRetry(h)
	h.opts.MaxRetries = 2

	_, err := h.FetchDetail(context.Background(), "123456", "test")
	if err == nil {
		t.Fatal("want error after exhausting retries")
	}
	if errs.ClassOf(err) != errs.ClassMaxRetries {
		t.Errorf("class = %s, want MAX_RETRIES_EXCEEDED", errs.ClassOf(err))
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want MaxRetries+1 = 3", hits.Load())
	}
}

func TestFetchDetail_UnrecoveredExpiryPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusForbidden)
	}))
	defer srv.Close()

	// Refresh "succeeds" but the platform keeps rejecting the session, so the
	// second expiry must propagate as fatal rather than loop.
	fa := &fakeAuth{client: srv.Client()}
	h := NewDetailHarvester(fa, srv.URL, quietLogger())
	fastDetailRetry(h)

	_, err := h.FetchDetail(context.Background(), "123456", "test")
	if !errs.IsSessionExpired(err) {
		t.Errorf("err = %v, want SESSION_EXPIRED", err)
	}
	if fa.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want exactly 1", fa.refreshes.Load())
	}
}

func TestNewDetailHarvester_UsesLongerBaseDelay(t *testing.T) {
	h := NewDetailHarvester(&fakeAuth{}, "http://platform.example", quietLogger())
	if h.opts.BaseDelay <= NewListHarvester(&fakeAuth{}, "http://platform.example", quietLogger()).opts.BaseDelay {
		t.Error("detail fetches should back off more slowly than list fetches")
	}
}
