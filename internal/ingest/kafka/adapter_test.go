package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetpipe/internal/domain"
	"fleetpipe/internal/retry"

	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeLog is a single-partition topic with a group offset, shared across
// consumer restarts.
type fakeLog struct {
	mu        sync.Mutex
	topic     string
	records   []*kgo.Record
	committed int64
}

func newFakeLog(topic string, payloads ...string) *fakeLog {
	l := &fakeLog{topic: topic}
	for i, p := range payloads {
		l.records = append(l.records, &kgo.Record{Topic: topic, Partition: 0, Offset: int64(i), Value: []byte(p)})
	}
	return l
}

func (l *fakeLog) committedOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// fakeClient is one consumer instance. It resumes from the committed offset
// like a fresh group member would.
type fakeClient struct {
	log       *fakeLog
	batchSize int
	position  int64
	marked    int64

	pollErrs   []error
	commitErrs []error

	mu          sync.Mutex
	commits     int
	rebalances  int
	closed      bool
	markedCalls int
}

func newFakeClient(l *fakeLog, batchSize int) *fakeClient {
	return &fakeClient{log: l, batchSize: batchSize, position: l.committedOffset(), marked: -1}
}

func (f *fakeClient) PollRecords(ctx context.Context, _ int) kgo.Fetches {
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: f.log.topic, Partitions: []kgo.FetchPartition{{Partition: 0, Err: err}}}}}}
	}
	f.log.mu.Lock()
	end := f.position + int64(f.batchSize)
	if end > int64(len(f.log.records)) {
		end = int64(len(f.log.records))
	}
	recs := f.log.records[f.position:end]
	f.log.mu.Unlock()

	if len(recs) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return kgo.Fetches{}
	}
	f.position = end
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: f.log.topic, Partitions: []kgo.FetchPartition{{Partition: 0, Records: recs}}}}}}
}

func (f *fakeClient) MarkCommitRecords(rs ...*kgo.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedCalls++
	for _, r := range rs {
		if r.Offset > f.marked {
			f.marked = r.Offset
		}
	}
}

func (f *fakeClient) CommitMarkedOffsets(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commitErrs) > 0 {
		err := f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
		if err != nil {
			return err
		}
	}
	f.commits++
	f.log.mu.Lock()
	f.log.committed = f.marked + 1
	f.log.mu.Unlock()
	return nil
}

func (f *fakeClient) AllowRebalance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebalances++
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type memRepo struct {
	mu       sync.Mutex
	rows     []domain.VehicleMetric
	failKey  string
	failures int
	calls    int
}

func (r *memRepo) InsertMetric(_ context.Context, m domain.VehicleMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if m.VehicleKey == r.failKey && r.failures != 0 {
		if r.failures > 0 {
			r.failures--
		}
		return errors.New("database unavailable")
	}
	r.rows = append(r.rows, m)
	return nil
}

func (r *memRepo) snapshot() []domain.VehicleMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.VehicleMetric(nil), r.rows...)
}

func testConfig() Config {
	cfg := Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "truck-metrics", Retry: retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}}
	cfg.withDefaults()
	return cfg
}

func payload(t *testing.T, key string, fuel float64) string {
	t.Helper()
	b, err := domain.NewVehicleMetric(key, fuel, 50).Encode()
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// runUntil runs the consumer until cond holds, then cancels it.
func runUntil(t *testing.T, c *Consumer, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatalf("condition not reached before deadline")
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
		return nil
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.GroupID != "group1" {
		t.Fatalf("default group = %q", cfg.GroupID)
	}
	if err := (Config{Brokers: []string{"b"}, GroupID: "g"}).Validate(); err == nil {
		t.Fatalf("expected topic validation error")
	}
}

func TestPersistsInStreamOrderAndCommits(t *testing.T) {
	log := newFakeLog("truck-metrics",
		payload(t, "abc", 1), payload(t, "def", 2), payload(t, "abc", 3), payload(t, "abc", 4), payload(t, "def", 5))
	cl := newFakeClient(log, 2)
	repo := &memRepo{}
	c := newConsumer(testConfig(), cl, repo, nil)

	err := runUntil(t, c, func() bool { return log.committedOffset() == 5 })
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rows := repo.snapshot()
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	for i, m := range rows {
		if m.FuelLevel != float64(i+1) {
			t.Fatalf("row %d out of stream order: %+v", i, m)
		}
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.commits != 3 {
		t.Fatalf("expected one commit per poll cycle (3), got %d", cl.commits)
	}
	if !cl.closed {
		t.Fatalf("client not closed on shutdown")
	}
}

func TestRoundTripThroughLoop(t *testing.T) {
	log := newFakeLog("truck-metrics", `{"truck_plate":"abc","gasoline":42.5,"speed":88.0}`)
	repo := &memRepo{}
	c := newConsumer(testConfig(), newFakeClient(log, 10), repo, nil)

	if err := runUntil(t, c, func() bool { return log.committedOffset() == 1 }); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := repo.snapshot()
	if len(rows) != 1 || rows[0] != domain.NewVehicleMetric("abc", 42.5, 88.0) {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestMalformedRecordIsSkippedAndCommitted(t *testing.T) {
	log := newFakeLog("truck-metrics", payload(t, "abc", 1), "not json", string([]byte{0xff, 0xfe}), payload(t, "abc", 2))
	repo := &memRepo{}
	c := newConsumer(testConfig(), newFakeClient(log, 10), repo, nil)

	if err := runUntil(t, c, func() bool { return log.committedOffset() == 4 }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rows := repo.snapshot(); len(rows) != 2 {
		t.Fatalf("expected 2 persisted rows, got %d", len(rows))
	}
}

func TestIncompleteRecordIsNotStoredAsZeroReading(t *testing.T) {
	log := newFakeLog("truck-metrics",
		`{"truck_plate":"abc"}`,
		`{"truck_plate":"abc","gasoline":null,"speed":null}`,
		`{"truck_plate":"abc","gas":1,"speed":2}`,
		payload(t, "abc", 7))
	repo := &memRepo{}
	c := newConsumer(testConfig(), newFakeClient(log, 10), repo, nil)

	if err := runUntil(t, c, func() bool { return log.committedOffset() == 4 }); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows := repo.snapshot()
	if len(rows) != 1 || rows[0] != domain.NewVehicleMetric("abc", 7, 50) {
		t.Fatalf("expected only the complete record, got %+v", rows)
	}
}

func TestPersistFailureBlocksCommitForWholeBatch(t *testing.T) {
	log := newFakeLog("truck-metrics", payload(t, "abc", 1), payload(t, "bad", 2), payload(t, "abc", 3))
	cl := newFakeClient(log, 10)
	repo := &memRepo{failKey: "bad", failures: -1}
	c := newConsumer(testConfig(), cl, repo, nil)

	err := c.Run(context.Background())
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if log.committedOffset() != 0 {
		t.Fatalf("offset committed despite persistence failure: %d", log.committedOffset())
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.markedCalls != 0 || cl.commits != 0 {
		t.Fatalf("nothing may be marked or committed: marked=%d commits=%d", cl.markedCalls, cl.commits)
	}
	if repo.calls != 1+3 {
		t.Fatalf("expected the bad record to be tried 3 times, repo calls=%d", repo.calls)
	}
}

func TestTransientPersistFailureIsRetried(t *testing.T) {
	log := newFakeLog("truck-metrics", payload(t, "flaky", 1), payload(t, "abc", 2))
	repo := &memRepo{failKey: "flaky", failures: 2}
	c := newConsumer(testConfig(), newFakeClient(log, 10), repo, nil)

	if err := runUntil(t, c, func() bool { return log.committedOffset() == 2 }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rows := repo.snapshot(); len(rows) != 2 {
		t.Fatalf("expected both rows after retry, got %+v", rows)
	}
}

func TestCrashBeforeCommitRedeliversRecords(t *testing.T) {
	log := newFakeLog("truck-metrics", payload(t, "abc", 1), payload(t, "def", 2))
	repo := &memRepo{}

	first := newFakeClient(log, 10)
	first.commitErrs = []error{errors.New("coordinator lost"), errors.New("coordinator lost"), errors.New("coordinator lost")}
	err := newConsumer(testConfig(), first, repo, nil).Run(context.Background())
	if !errors.Is(err, ErrCommit) {
		t.Fatalf("expected ErrCommit, got %v", err)
	}
	if len(repo.snapshot()) != 2 || log.committedOffset() != 0 {
		t.Fatalf("expected rows persisted but offset uncommitted")
	}

	second := newFakeClient(log, 10)
	if err := runUntil(t, newConsumer(testConfig(), second, repo, nil), func() bool { return log.committedOffset() == 2 }); err != nil {
		t.Fatalf("restart: %v", err)
	}
	rows := repo.snapshot()
	if len(rows) != 4 {
		t.Fatalf("expected duplicates after redelivery, got %d rows", len(rows))
	}
	if rows[2] != rows[0] || rows[3] != rows[1] {
		t.Fatalf("redelivered rows differ: %+v", rows)
	}
}

func TestCommitRetrySucceeds(t *testing.T) {
	log := newFakeLog("truck-metrics", payload(t, "abc", 1))
	cl := newFakeClient(log, 10)
	cl.commitErrs = []error{errors.New("rebalance in progress")}
	c := newConsumer(testConfig(), cl, &memRepo{}, nil)

	if err := runUntil(t, c, func() bool { return log.committedOffset() == 1 }); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPollErrorsRetryThenGiveUp(t *testing.T) {
	log := newFakeLog("truck-metrics", payload(t, "abc", 1))

	recovering := newFakeClient(log, 10)
	recovering.pollErrs = []error{errors.New("broker down"), errors.New("broker down")}
	if err := runUntil(t, newConsumer(testConfig(), recovering, &memRepo{}, nil), func() bool { return log.committedOffset() == 1 }); err != nil {
		t.Fatalf("run: %v", err)
	}

	failing := newFakeClient(newFakeLog("truck-metrics"), 10)
	failing.pollErrs = []error{errors.New("x"), errors.New("x"), errors.New("x")}
	err := newConsumer(testConfig(), failing, &memRepo{}, nil).Run(context.Background())
	if !errors.Is(err, ErrPoll) {
		t.Fatalf("expected ErrPoll, got %v", err)
	}
}

func TestCancelledContextStopsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cl := newFakeClient(newFakeLog("truck-metrics"), 10)
	if err := newConsumer(testConfig(), cl, &memRepo{}, nil).Run(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if !cl.closed {
		t.Fatalf("client not closed")
	}
}
