package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"carhive/ingest-service/internal/errs"
	"carhive/ingest-service/internal/model"
	"carhive/ingest-service/internal/status"
)

const detailPage = `<html><body>
<table><tr><th>Brand</th><td>Volvo</td></tr>
<tr><th>VIN</th><td>YV1SW61R345678901</td></tr></table>
</body></html>`

type fakeStore struct {
	selected []model.AuctionSummary
	statuses map[string]status.Status

	createdJob    *model.IngestionJob
	createdItems  []string
	bulkErrored   []string
	bulkReason    string
	savedDetails  []string
	finishedJob   *model.IngestionJob
	progressCalls int
}

func newFakeStore(ids ...string) *fakeStore {
	fs := &fakeStore{statuses: map[string]status.Status{}}
	for _, id := range ids {
		fs.selected = append(fs.selected, model.AuctionSummary{ExternalID: id})
		fs.statuses[id] = status.StatusSelected
	}
	return fs
}

func (f *fakeStore) UpsertSummary(ctx context.Context, s model.AuctionSummary) error { return nil }

func (f *fakeStore) ListByStatus(ctx context.Context, st status.Status) ([]model.AuctionSummary, error) {
	if st != status.StatusSelected {
		return nil, nil
	}
	return f.selected, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, externalID string, from, to status.Status) error {
	if !status.IsTransitionAllowed(from, to) {
		return fmt.Errorf("transition %s -> %s not allowed", from, to)
	}
	if f.statuses[externalID] != from {
		return fmt.Errorf("auction %s is %s, not %s", externalID, f.statuses[externalID], from)
	}
	f.statuses[externalID] = to
	return nil
}

// BulkMarkError mirrors the store contract: only FETCHING records move.
func (f *fakeStore) BulkMarkError(ctx context.Context, externalIDs []string, reason string) error {
	f.bulkErrored = append(f.bulkErrored, externalIDs...)
	f.bulkReason = reason
	for _, id := range externalIDs {
		if f.statuses[id] == status.StatusFetching {
			f.statuses[id] = status.StatusError
		}
	}
	return nil
}

func (f *fakeStore) SaveDetail(ctx context.Context, d model.AuctionDetail, imagePaths []string) error {
	f.savedDetails = append(f.savedDetails, d.ExternalID)
	return nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job *model.IngestionJob, externalIDs []string) error {
	f.createdJob = job
	f.createdItems = append([]string(nil), externalIDs...)
	return nil
}

func (f *fakeStore) UpdateJobProgress(ctx context.Context, job model.IngestionJob) error {
	f.progressCalls++
	return nil
}

func (f *fakeStore) FinishJob(ctx context.Context, job model.IngestionJob) error {
	f.finishedJob = &job
	return nil
}

func (f *fakeStore) PromoteToCatalog(ctx context.Context, externalID string) (string, error) {
	return "", errors.New("not used in these tests")
}

type fakeDetails struct {
	fetched []string
	fail    map[string]error
}

func (f *fakeDetails) FetchDetail(ctx context.Context, externalID, reason string) (string, error) {
	f.fetched = append(f.fetched, externalID)
	if err, ok := f.fail[externalID]; ok {
		return "", err
	}
	return detailPage, nil
}

type fakeImages struct{ calls int }

func (f *fakeImages) DownloadAll(ctx context.Context, externalIDs []string) (map[string][]string, error) {
	f.calls++
	out := make(map[string][]string, len(externalIDs))
	for _, id := range externalIDs {
		out[id] = []string{"/media/" + id + "/0.jpg"}
	}
	return out, nil
}

type fakeLedger struct {
	total float64
	adds  int
}

func (f *fakeLedger) Add(ctx context.Context, amount float64, now time.Time) (float64, error) {
	f.total += amount
	f.adds++
	return f.total, nil
}

func (f *fakeLedger) Total(ctx context.Context, now time.Time) (float64, error) {
	return f.total, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestOrchestrator(fs *fakeStore, fd *fakeDetails, fl *fakeLedger) *Orchestrator {
	return New(fs, fd, &fakeImages{}, fl, Config{UnitCost: 1.50, DailyCeiling: 250}, quietLogger())
}

func TestRunBatchAllSucceed(t *testing.T) {
	fs := newFakeStore("111111", "222222", "333333")
	fd := &fakeDetails{}
	fl := &fakeLedger{}
	o := newTestOrchestrator(fs, fd, fl)

	job, err := o.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if job.Status != model.JobCompleted {
		t.Errorf("job status = %s, want COMPLETED", job.Status)
	}
	if job.SuccessCount != 3 || job.FailedCount != 0 {
		t.Errorf("counts = %d/%d, want 3/0", job.SuccessCount, job.FailedCount)
	}
	if job.EstimatedCost != 4.50 {
		t.Errorf("estimated cost = %.2f, want 4.50", job.EstimatedCost)
	}
	if job.ActualCost != 4.50 {
		t.Errorf("actual cost = %.2f, want 4.50", job.ActualCost)
	}
	if fl.adds != 3 || fl.total != 4.50 {
		t.Errorf("ledger = %d adds, %.2f total, want 3 adds, 4.50", fl.adds, fl.total)
	}
	for _, id := range []string{"111111", "222222", "333333"} {
		if fs.statuses[id] != status.StatusFetched {
			t.Errorf("auction %s status = %s, want FETCHED", id, fs.statuses[id])
		}
	}
	if fs.finishedJob == nil || fs.finishedJob.FinishedAt == nil {
		t.Error("finished job not persisted with a finish time")
	}
	if len(fs.savedDetails) != 3 {
		t.Errorf("saved %d details, want 3", len(fs.savedDetails))
	}
}

func TestRunBatchPartialFailure(t *testing.T) {
	fs := newFakeStore("111111", "222222", "333333")
	fd := &fakeDetails{fail: map[string]error{
		"222222": errs.New(errs.ClassServerError, "internal error after retries"),
	}}
	fl := &fakeLedger{}
	o := newTestOrchestrator(fs, fd, fl)

	job, err := o.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if job.Status != model.JobCompleted {
		t.Errorf("job status = %s, want COMPLETED despite one failure", job.Status)
	}
	if job.SuccessCount != 2 || job.FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", job.SuccessCount, job.FailedCount)
	}
	// The failed navigation never succeeded so it is never charged.
	if job.ActualCost != 3.00 {
		t.Errorf("actual cost = %.2f, want 3.00", job.ActualCost)
	}
	if fs.statuses["222222"] != status.StatusError {
		t.Errorf("failed auction status = %s, want ERROR", fs.statuses["222222"])
	}
	if fs.statuses["111111"] != status.StatusFetched || fs.statuses["333333"] != status.StatusFetched {
		t.Error("healthy auctions should still reach FETCHED")
	}
	if len(job.Failures) != 1 || job.Failures[0].ExternalID != "222222" {
		t.Errorf("failures = %+v, want one entry for 222222", job.Failures)
	}
}

func TestRunBatchFatalSessionLossHaltsAndBulkErrors(t *testing.T) {
	ids := []string{"100001", "100002", "100003", "100004", "100005"}
	fs := newFakeStore(ids...)
	fd := &fakeDetails{fail: map[string]error{
		"100003": errs.SessionExpired("re-login failed"),
	}}
	fl := &fakeLedger{}
	o := newTestOrchestrator(fs, fd, fl)

	job, err := o.RunBatch(context.Background())
	if !errs.IsSessionExpired(err) {
		t.Fatalf("RunBatch error = %v, want session expiry", err)
	}

	// Items before the loss keep their outcome.
	if fs.statuses["100001"] != status.StatusFetched || fs.statuses["100002"] != status.StatusFetched {
		t.Error("items processed before the session loss must stay FETCHED")
	}
	// The failing item and everything after it go to ERROR in one sweep.
	if len(fs.bulkErrored) != 3 {
		t.Fatalf("bulk errored %v, want the 3 remaining items", fs.bulkErrored)
	}
	for _, id := range []string{"100003", "100004", "100005"} {
		if fs.statuses[id] != status.StatusError {
			t.Errorf("auction %s status = %s, want ERROR after the sweep", id, fs.statuses[id])
		}
	}
	for i, want := range []string{"100003", "100004", "100005"} {
		if fs.bulkErrored[i] != want {
			t.Errorf("bulk errored[%d] = %s, want %s", i, fs.bulkErrored[i], want)
		}
	}
	if !strings.Contains(fs.bulkReason, "session") {
		t.Errorf("bulk reason %q should mention the session loss", fs.bulkReason)
	}
	// Nothing past the loss was attempted.
	if len(fd.fetched) != 3 {
		t.Errorf("fetched %v, want exactly the first 3 attempts", fd.fetched)
	}

	if job.Status != model.JobCompleted {
		t.Errorf("job status = %s, want COMPLETED (two items succeeded)", job.Status)
	}
	if job.SuccessCount != 2 || job.FailedCount != 3 {
		t.Errorf("counts = %d/%d, want 2/3", job.SuccessCount, job.FailedCount)
	}
	if job.ActualCost != 3.00 {
		t.Errorf("actual cost = %.2f, want 3.00 (two charged navigations)", job.ActualCost)
	}
}

func TestRunBatchZeroSuccessesMeansFailed(t *testing.T) {
	fs := newFakeStore("111111", "222222")
	fd := &fakeDetails{fail: map[string]error{
		"111111": errs.New(errs.ClassNetworkError, "connection reset"),
		"222222": errs.New(errs.ClassServerError, "gateway timeout"),
	}}
	fl := &fakeLedger{}
	o := newTestOrchestrator(fs, fd, fl)

	job, err := o.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if job.Status != model.JobFailed {
		t.Errorf("job status = %s, want FAILED when nothing succeeded", job.Status)
	}
	if job.ActualCost != 0 {
		t.Errorf("actual cost = %.2f, want 0 with no successful navigation", job.ActualCost)
	}
	if fl.adds != 0 {
		t.Errorf("ledger recorded %d charges, want 0", fl.adds)
	}
	if len(job.Failures) != 2 {
		t.Errorf("failures = %d, want 2", len(job.Failures))
	}
}

func TestRunBatchSpendCeilingBlocksBeforeAnyFetch(t *testing.T) {
	fs := newFakeStore("111111", "222222")
	fd := &fakeDetails{}
	fl := &fakeLedger{total: 249.00} // 2 × 1.50 would cross 250
	o := newTestOrchestrator(fs, fd, fl)

	job, err := o.RunBatch(context.Background())
	if err == nil {
		t.Fatal("expected ceiling error")
	}
	if !strings.Contains(err.Error(), "ceiling") {
		t.Errorf("error %q should name the ceiling", err)
	}
	if job != nil {
		t.Error("no job should be returned when the ceiling blocks the batch")
	}
	if fs.createdJob != nil {
		t.Error("no job row should be created when the ceiling blocks the batch")
	}
	if len(fd.fetched) != 0 {
		t.Errorf("fetched %v, want no billable calls", fd.fetched)
	}
	for id, st := range fs.statuses {
		if st != status.StatusSelected {
			t.Errorf("auction %s status = %s, want untouched SELECTED", id, st)
		}
	}
}

func TestRunBatchNothingSelected(t *testing.T) {
	fs := newFakeStore()
	o := newTestOrchestrator(fs, &fakeDetails{}, &fakeLedger{})

	job, err := o.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if job != nil {
		t.Errorf("job = %+v, want nil for an empty selection", job)
	}
}
