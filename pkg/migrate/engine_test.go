package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocirrus/pkg/ledger"
	"github.com/3leaps/gocirrus/pkg/match"
	"github.com/3leaps/gocirrus/pkg/output"
	"github.com/3leaps/gocirrus/pkg/provider"
	"github.com/3leaps/gocirrus/pkg/runstate"
)

// mockProvider implements provider.Provider, provider.InPlaceCopier,
// and provider.DelimiterLister with real continuation-token pagination.
type mockProvider struct {
	mu      sync.Mutex
	objects []provider.ObjectSummary // kept in key order

	copyScript  map[string][]error // scripted per-call results, popped per call
	copyForever map[string]error   // returned once the script is exhausted
	copyCalls   map[string]int

	listCalls  int
	listErr    error
	listDelay  time.Duration
	delimCalls map[string]int
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		copyScript:  make(map[string][]error),
		copyForever: make(map[string]error),
		copyCalls:   make(map[string]int),
		delimCalls:  make(map[string]int),
	}
}

func (m *mockProvider) addKeys(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.objects = append(m.objects, provider.ObjectSummary{Key: k, Size: 100})
	}
	sort.Slice(m.objects, func(i, j int) bool { return m.objects[i].Key < m.objects[j].Key })
}

// failTimes scripts n failures for key before copies start succeeding.
func (m *mockProvider) failTimes(key string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.copyScript[key] = append(m.copyScript[key], err)
	}
}

// failForever makes every copy of key fail after any scripted results.
func (m *mockProvider) failForever(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyForever[key] = err
}

func (m *mockProvider) callsFor(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyCalls[key]
}

func (m *mockProvider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	m.mu.Lock()
	m.listCalls++
	delay := m.listDelay
	err := m.listErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []provider.ObjectSummary
	for _, obj := range m.objects {
		if strings.HasPrefix(obj.Key, opts.Prefix) {
			matched = append(matched, obj)
		}
	}

	start := 0
	if opts.ContinuationToken != "" {
		start, _ = strconv.Atoi(opts.ContinuationToken)
	}
	max := opts.MaxKeys
	if max <= 0 {
		max = 1000
	}
	end := start + max
	if end > len(matched) {
		end = len(matched)
	}

	result := &provider.ListResult{Objects: matched[start:end]}
	if end < len(matched) {
		result.IsTruncated = true
		result.ContinuationToken = strconv.Itoa(end)
	}
	return result, nil
}

func (m *mockProvider) ListWithDelimiter(ctx context.Context, opts provider.ListWithDelimiterOptions) (*provider.ListWithDelimiterResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.delimCalls[opts.Prefix]++

	var direct []provider.ObjectSummary
	prefixSet := make(map[string]struct{})
	for _, obj := range m.objects {
		if !strings.HasPrefix(obj.Key, opts.Prefix) {
			continue
		}
		rest := obj.Key[len(opts.Prefix):]
		if i := strings.Index(rest, opts.Delimiter); i >= 0 {
			prefixSet[opts.Prefix+rest[:i+len(opts.Delimiter)]] = struct{}{}
		} else {
			direct = append(direct, obj)
		}
	}

	start := 0
	if opts.ContinuationToken != "" {
		start, _ = strconv.Atoi(opts.ContinuationToken)
	}
	max := opts.MaxKeys
	if max <= 0 {
		max = 1000
	}
	end := start + max
	if end > len(direct) {
		end = len(direct)
	}

	result := &provider.ListWithDelimiterResult{Objects: direct[start:end]}
	if opts.ContinuationToken == "" {
		prefixes := make([]string, 0, len(prefixSet))
		for p := range prefixSet {
			prefixes = append(prefixes, p)
		}
		sort.Strings(prefixes)
		result.CommonPrefixes = prefixes
	}
	if end < len(direct) {
		result.IsTruncated = true
		result.ContinuationToken = strconv.Itoa(end)
	}
	return result, nil
}

func (m *mockProvider) CopyInPlace(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyCalls[key]++

	if errs := m.copyScript[key]; len(errs) > 0 {
		err := errs[0]
		m.copyScript[key] = errs[1:]
		return err
	}
	if err, ok := m.copyForever[key]; ok {
		return err
	}
	return nil
}

func (m *mockProvider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}

func (m *mockProvider) Close() error { return nil }

// listOnlyProvider strips the copy capability from a mockProvider.
type listOnlyProvider struct {
	inner *mockProvider
}

func (p *listOnlyProvider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return p.inner.List(ctx, opts)
}

func (p *listOnlyProvider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return p.inner.Head(ctx, key)
}

func (p *listOnlyProvider) Close() error { return p.inner.Close() }

// mockWriter implements output.Writer for testing.
type mockWriter struct {
	mu       sync.Mutex
	migrates []*output.MigrateRecord
	plans    []*output.PlanRecord
	folders  []*output.FolderRecord
	errors   []*output.ErrorRecord
	progress []*output.ProgressRecord
	summary  *output.SummaryRecord

	migrateErr error
}

func newMockWriter() *mockWriter {
	return &mockWriter{}
}

func (w *mockWriter) WriteMigrate(ctx context.Context, rec *output.MigrateRecord) error {
	if w.migrateErr != nil {
		return w.migrateErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.migrates = append(w.migrates, rec)
	return nil
}

func (w *mockWriter) WritePlan(ctx context.Context, rec *output.PlanRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.plans = append(w.plans, rec)
	return nil
}

func (w *mockWriter) WriteFolder(ctx context.Context, rec *output.FolderRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.folders = append(w.folders, rec)
	return nil
}

func (w *mockWriter) WriteError(ctx context.Context, rec *output.ErrorRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors = append(w.errors, rec)
	return nil
}

func (w *mockWriter) WriteProgress(ctx context.Context, rec *output.ProgressRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.progress = append(w.progress, rec)
	return nil
}

func (w *mockWriter) WriteSummary(ctx context.Context, rec *output.SummaryRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summary = rec
	return nil
}

func (w *mockWriter) WritePreflight(ctx context.Context, rec *output.PreflightRecord) error {
	return nil
}

func (w *mockWriter) Close() error { return nil }

func (w *mockWriter) getMigrates() []*output.MigrateRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*output.MigrateRecord, len(w.migrates))
	copy(out, w.migrates)
	return out
}

func (w *mockWriter) migrateFor(key string) *output.MigrateRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range w.migrates {
		if rec.Key == key {
			return rec
		}
	}
	return nil
}

// fastConfig disables throttling and keeps backoff at nanosecond
// scale so retry tests run without real sleeps.
func fastConfig() Config {
	return Config{
		BatchSize:     100,
		MaxRetries:    3,
		BackoffFactor: time.Nanosecond,
		ThrottleDelay: 0,
		ProgressEvery: 1000,
	}
}

func newTestLedger(t *testing.T, maxKeysPerFile int) *ledger.Ledger {
	t.Helper()
	led, err := ledger.Open(t.TempDir(), maxKeysPerFile)
	require.NoError(t, err)
	return led
}

func countFileLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func TestNew_Defaults(t *testing.T) {
	p := newMockProvider()
	led := newTestLedger(t, 100)
	w := newMockWriter()

	e := New(p, led, w, "job-123", Config{})

	assert.Equal(t, 200, e.config.BatchSize)
	assert.Equal(t, 2*time.Second, e.config.BackoffFactor)
	assert.Equal(t, 100, e.config.ProgressEvery)
	assert.NotNil(t, e.copier)
}

func TestEngine_Run_MigratesAllKeys(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/a.txt", "data/b.txt", "data/c.txt", "data/d.txt", "data/e.txt")

	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, modeMigrate, summary.Mode)
	assert.Equal(t, int64(5), summary.ObjectsSeen)
	assert.Equal(t, int64(5), summary.Copied)
	assert.Equal(t, int64(0), summary.Failed)
	assert.Equal(t, int64(0), summary.Skipped)
	assert.Equal(t, int64(1), summary.Batches)

	// One copy attempt per key
	for _, key := range []string{"data/a.txt", "data/b.txt", "data/c.txt", "data/d.txt", "data/e.txt"} {
		assert.Equal(t, 1, p.callsFor(key), "key %s", key)
	}

	// Ledger holds every key in listing order, failed partition empty
	keys, err := led.Keys(ledger.Copied)
	require.NoError(t, err)
	assert.Equal(t, []string{"data/a.txt", "data/b.txt", "data/c.txt", "data/d.txt", "data/e.txt"}, keys)

	failedCount, err := led.Count(ledger.Failed)
	require.NoError(t, err)
	assert.Zero(t, failedCount)

	// Every key got a migrate record with a single attempt
	migrates := w.getMigrates()
	require.Len(t, migrates, 5)
	for _, rec := range migrates {
		assert.Equal(t, output.OutcomeCopied, rec.Outcome)
		assert.Equal(t, 1, rec.Attempts)
		assert.Equal(t, 1, rec.Batch)
	}
}

func TestEngine_Run_FullRotationScenario(t *testing.T) {
	// 250 keys, batch size 100, 100 keys per ledger file: three batches,
	// copied partition rotates into files of 100, 100, and 50 lines.
	p := newMockProvider()
	for i := 1; i <= 250; i++ {
		p.addKeys(fmt.Sprintf("data/%03d.bin", i))
	}

	dir := t.TempDir()
	led, err := ledger.Open(dir, 100)
	require.NoError(t, err)

	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(250), summary.ObjectsSeen)
	assert.Equal(t, int64(250), summary.Copied)
	assert.Equal(t, int64(0), summary.Failed)
	assert.Equal(t, int64(3), summary.Batches)

	copiedDir := filepath.Join(dir, "copied_keys")
	assert.Equal(t, 100, countFileLines(t, filepath.Join(copiedDir, "copied_keys_1.txt")))
	assert.Equal(t, 100, countFileLines(t, filepath.Join(copiedDir, "copied_keys_2.txt")))
	assert.Equal(t, 50, countFileLines(t, filepath.Join(copiedDir, "copied_keys_3.txt")))

	failedCount, err := led.Count(ledger.Failed)
	require.NoError(t, err)
	assert.Zero(t, failedCount)
}

func TestEngine_Run_FailedKeyExhaustsRetries(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/good.txt", "data/stuck.txt")
	p.failForever("data/stuck.txt", errors.New("connection reset"))

	led := newTestLedger(t, 100)
	w := newMockWriter()

	cfg := fastConfig()
	cfg.MaxRetries = 2
	e := New(p, led, w, "job-123", cfg)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Copied)
	assert.Equal(t, int64(1), summary.Failed)

	// MaxRetries+1 total attempts
	assert.Equal(t, 3, p.callsFor("data/stuck.txt"))
	assert.Equal(t, 1, p.callsFor("data/good.txt"))

	failed, err := led.Keys(ledger.Failed)
	require.NoError(t, err)
	assert.Equal(t, []string{"data/stuck.txt"}, failed)

	rec := w.migrateFor("data/stuck.txt")
	require.NotNil(t, rec)
	assert.Equal(t, output.OutcomeFailed, rec.Outcome)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.Error, "connection reset")
}

func TestEngine_Run_TransientFailureRecovers(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/flaky.txt")
	p.failTimes("data/flaky.txt", 2, provider.ErrThrottled)

	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Copied)
	assert.Equal(t, int64(0), summary.Failed)
	assert.Equal(t, 3, p.callsFor("data/flaky.txt"))

	rec := w.migrateFor("data/flaky.txt")
	require.NotNil(t, rec)
	assert.Equal(t, output.OutcomeCopied, rec.Outcome)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.Error)
}

func TestEngine_Run_ArchivedObjectSkips(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/cold.txt", "data/warm.txt")
	p.failForever("data/cold.txt", provider.ErrObjectArchived)

	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Copied)
	assert.Equal(t, int64(1), summary.Skipped)
	assert.Equal(t, int64(0), summary.Failed)

	// Archived source is done work: one attempt, no retries
	assert.Equal(t, 1, p.callsFor("data/cold.txt"))

	// Recorded copied so a resumed run skips it
	copied, err := led.Keys(ledger.Copied)
	require.NoError(t, err)
	assert.Contains(t, copied, "data/cold.txt")

	rec := w.migrateFor("data/cold.txt")
	require.NotNil(t, rec)
	assert.Equal(t, output.OutcomeSkippedArchived, rec.Outcome)
}

func TestEngine_Run_SkipCopiedResume(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/1.txt", "data/2.txt", "data/3.txt", "data/4.txt")

	led := newTestLedger(t, 100)
	require.NoError(t, led.Record(ledger.Copied, "data/1.txt"))
	require.NoError(t, led.Record(ledger.Copied, "data/2.txt"))

	w := newMockWriter()
	cfg := fastConfig()
	cfg.SkipCopied = true
	e := New(p, led, w, "job-123", cfg)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Copied)
	assert.Equal(t, int64(2), summary.Skipped)

	// No storage calls for keys already in the ledger
	assert.Equal(t, 0, p.callsFor("data/1.txt"))
	assert.Equal(t, 0, p.callsFor("data/2.txt"))
	assert.Equal(t, 1, p.callsFor("data/3.txt"))
	assert.Equal(t, 1, p.callsFor("data/4.txt"))

	// Skipped keys are not re-appended
	count, err := led.Count(ledger.Copied)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	rec := w.migrateFor("data/1.txt")
	require.NotNil(t, rec)
	assert.Equal(t, output.OutcomeSkippedCopied, rec.Outcome)
}

func TestEngine_Run_DryRun(t *testing.T) {
	inner := newMockProvider()
	inner.addKeys("data/1.txt", "data/2.txt", "data/3.txt")
	inner.objects[0].StorageClass = "STANDARD"
	p := &listOnlyProvider{inner: inner}

	led := newTestLedger(t, 100)
	w := newMockWriter()

	cfg := fastConfig()
	cfg.DryRun = true
	cfg.BatchSize = 2
	e := New(p, led, w, "job-123", cfg)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, modePlan, summary.Mode)
	assert.Equal(t, int64(3), summary.ObjectsSeen)
	assert.Equal(t, int64(0), summary.Copied)
	assert.Equal(t, int64(2), summary.Batches)

	// Nothing copied, nothing recorded
	for _, key := range []string{"data/1.txt", "data/2.txt", "data/3.txt"} {
		assert.Equal(t, 0, inner.callsFor(key))
	}
	count, err := led.Count(ledger.Copied)
	require.NoError(t, err)
	assert.Zero(t, count)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.plans, 3)
	assert.Equal(t, "data/1.txt", w.plans[0].Key)
	assert.Equal(t, 1, w.plans[0].Batch)
	assert.Equal(t, "STANDARD", w.plans[0].StorageClass)
	assert.Equal(t, 2, w.plans[2].Batch)
	assert.Empty(t, w.migrates)
}

func TestEngine_Run_DryRunListingProgress(t *testing.T) {
	inner := newMockProvider()
	inner.addKeys("data/1.txt", "data/2.txt", "data/3.txt", "data/4.txt", "data/5.txt")
	p := &listOnlyProvider{inner: inner}

	led := newTestLedger(t, 100)
	w := newMockWriter()

	cfg := fastConfig()
	cfg.DryRun = true
	cfg.ProgressEvery = 2
	e := New(p, led, w, "job-123", cfg)

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	// Nothing is processed, so cadence tracks listed keys: 5 keys at
	// every-2 yields listing progress after the 2nd and 4th.
	w.mu.Lock()
	defer w.mu.Unlock()
	var listing int
	for _, prog := range w.progress {
		if prog.Phase == output.PhaseListing {
			listing++
		}
	}
	assert.Equal(t, 2, listing)
}

func TestEngine_Run_CapabilityRequired(t *testing.T) {
	inner := newMockProvider()
	inner.addKeys("data/1.txt")
	p := &listOnlyProvider{inner: inner}

	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapability)
}

func TestEngine_Run_ListErrorAborts(t *testing.T) {
	p := newMockProvider()
	p.listErr = provider.ErrAccessDenied

	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAccessDenied)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.errors, 1)
	assert.Equal(t, output.ErrCodeAccessDenied, w.errors[0].Code)
}

func TestEngine_Run_WriterErrorAborts(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/1.txt")

	led := newTestLedger(t, 100)
	w := newMockWriter()
	w.migrateErr = errors.New("pipe closed")

	e := New(p, led, w, "job-123", fastConfig())

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe closed")
}

func TestEngine_Run_PrefixScope(t *testing.T) {
	p := newMockProvider()
	p.addKeys("a/1.txt", "a/2.txt", "b/3.txt")

	led := newTestLedger(t, 100)
	w := newMockWriter()

	cfg := fastConfig()
	cfg.Prefix = "a/"
	e := New(p, led, w, "job-123", cfg)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.ObjectsSeen)
	assert.Equal(t, int64(2), summary.Copied)
	assert.Equal(t, 0, p.callsFor("b/3.txt"))
	assert.Equal(t, []string{"a/"}, summary.Prefixes)
}

func TestEngine_Run_MatcherScope(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/keep.parquet", "data/skip.tmp")

	led := newTestLedger(t, 100)
	w := newMockWriter()

	m, err := match.New(match.Config{Includes: []string{"**/*.parquet"}})
	require.NoError(t, err)

	e := New(p, led, w, "job-123", fastConfig()).WithMatcher(m)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.ObjectsSeen)
	assert.Equal(t, int64(1), summary.Copied)
	assert.Equal(t, 1, p.callsFor("data/keep.parquet"))
	assert.Equal(t, 0, p.callsFor("data/skip.tmp"))
}

func TestEngine_Run_ProgressEmission(t *testing.T) {
	p := newMockProvider()
	for i := 0; i < 5; i++ {
		p.addKeys(fmt.Sprintf("data/%d.txt", i))
	}

	led := newTestLedger(t, 100)
	w := newMockWriter()

	cfg := fastConfig()
	cfg.ProgressEvery = 2
	e := New(p, led, w, "job-123", cfg)

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.GreaterOrEqual(t, len(w.progress), 4)
	assert.Equal(t, output.PhaseStarting, w.progress[0].Phase)
	assert.Equal(t, output.PhaseComplete, w.progress[len(w.progress)-1].Phase)

	var copying int
	for _, prog := range w.progress {
		if prog.Phase == output.PhaseCopying {
			copying++
			assert.Equal(t, 1, prog.Batch)
		}
	}
	assert.Equal(t, 2, copying)
}

func TestEngine_Run_ContextCancellation(t *testing.T) {
	p := newMockProvider()
	p.listDelay = 100 * time.Millisecond
	p.addKeys("data/1.txt")

	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}

func TestEngine_Run_EmptyBucket(t *testing.T) {
	p := newMockProvider()
	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), summary.ObjectsSeen)
	assert.Equal(t, int64(0), summary.Batches)
	assert.NotNil(t, w.summary)
}

func TestEngine_RunRetry(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/ok.txt", "data/bad.txt")
	p.failForever("data/bad.txt", errors.New("still broken"))

	led := newTestLedger(t, 100)
	require.NoError(t, led.Record(ledger.Failed, "data/ok.txt"))
	require.NoError(t, led.Record(ledger.Failed, "data/bad.txt"))

	w := newMockWriter()
	cfg := fastConfig()
	cfg.MaxRetries = 1
	e := New(p, led, w, "job-123", cfg)

	summary, err := e.RunRetry(context.Background())
	require.NoError(t, err)

	assert.Equal(t, modeRetry, summary.Mode)
	assert.Equal(t, int64(2), summary.ObjectsSeen)
	assert.Equal(t, int64(1), summary.Copied)
	assert.Equal(t, int64(1), summary.Failed)

	// Success removed from failed; repeat failure stays
	failed, err := led.Keys(ledger.Failed)
	require.NoError(t, err)
	assert.Equal(t, []string{"data/bad.txt"}, failed)

	// The retry path does not append to the copied partition
	copiedCount, err := led.Count(ledger.Copied)
	require.NoError(t, err)
	assert.Zero(t, copiedCount)

	rec := w.migrateFor("data/ok.txt")
	require.NotNil(t, rec)
	assert.Equal(t, output.OutcomeCopied, rec.Outcome)
}

func TestEngine_RunRetry_EmptyFailedPartition(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/1.txt")

	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	summary, err := e.RunRetry(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), summary.Copied)
	assert.Equal(t, int64(0), summary.Batches)
	assert.Equal(t, 0, p.callsFor("data/1.txt"))
}

func TestEngine_Run_FinalRetryPass(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/flaky.txt")
	// Fails every attempt of the main pass, succeeds on the retry pass
	p.failTimes("data/flaky.txt", 1, errors.New("transient outage"))

	led := newTestLedger(t, 100)
	w := newMockWriter()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.FinalRetryPass = true
	e := New(p, led, w, "job-123", cfg)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	// Failed in the main pass, recovered in the final retry pass
	assert.Equal(t, int64(1), summary.Copied)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, 2, p.callsFor("data/flaky.txt"))
	// Listing counted the key once; the retry pass does not recount it
	assert.Equal(t, int64(1), summary.ObjectsSeen)

	failedCount, err := led.Count(ledger.Failed)
	require.NoError(t, err)
	assert.Zero(t, failedCount)
}

func TestEngine_Run_StateMirror(t *testing.T) {
	ctx := context.Background()

	p := newMockProvider()
	p.addKeys("data/1.txt", "data/2.txt", "data/bad.txt")
	p.failForever("data/bad.txt", errors.New("no luck"))

	led := newTestLedger(t, 100)
	w := newMockWriter()

	state, err := runstate.Open(ctx, runstate.Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = state.Close() }()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	e := New(p, led, w, "job-123", cfg).WithState(state)

	_, err = e.Run(ctx)
	require.NoError(t, err)

	copied, err := state.CopiedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), copied)

	failed, err := state.FailedKeys(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "data/bad.txt", failed[0].Key)
	assert.Equal(t, "no luck", failed[0].Error)
	assert.Equal(t, 1, failed[0].Attempts)

	// Listing finished, so no continuation survives
	cont, err := state.Continuation(ctx)
	require.NoError(t, err)
	assert.Nil(t, cont)

	// Batch boundaries flushed the counters into the stats row
	stats, err := state.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, int64(3), stats.ObjectsSeen)
	assert.Equal(t, int64(2), stats.Copied)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Batches)
}

func TestEngine_Run_StateResumeFromToken(t *testing.T) {
	ctx := context.Background()

	p := newMockProvider()
	p.addKeys("data/1.txt", "data/2.txt", "data/3.txt", "data/4.txt")

	led := newTestLedger(t, 100)
	w := newMockWriter()

	state, err := runstate.Open(ctx, runstate.Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = state.Close() }()

	// A previous run stopped after the first page of two
	require.NoError(t, state.SaveContinuation(ctx, "2", ""))

	cfg := fastConfig()
	cfg.BatchSize = 2
	e := New(p, led, w, "job-123", cfg).WithState(state)

	summary, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Copied)
	assert.Equal(t, 0, p.callsFor("data/1.txt"))
	assert.Equal(t, 0, p.callsFor("data/2.txt"))
	assert.Equal(t, 1, p.callsFor("data/3.txt"))
	assert.Equal(t, 1, p.callsFor("data/4.txt"))

	cont, err := state.Continuation(ctx)
	require.NoError(t, err)
	assert.Nil(t, cont)
}

func TestEngine_Progress_Snapshot(t *testing.T) {
	p := newMockProvider()
	p.addKeys("data/1.txt", "data/2.txt")

	led := newTestLedger(t, 100)
	w := newMockWriter()
	e := New(p, led, w, "job-123", fastConfig())

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	seen, copied, failed, skipped := e.Progress()
	assert.Equal(t, int64(2), seen)
	assert.Equal(t, int64(2), copied)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, int64(0), skipped)
}
