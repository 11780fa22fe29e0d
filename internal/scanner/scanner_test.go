package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/diagnostics"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls map[string]int
	diags map[string][]diagnostics.Diagnostic
	fail  map[string]bool

	inflight    atomic.Int32
	maxInflight atomic.Int32
	delay       time.Duration
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{
		calls: make(map[string]int),
		diags: make(map[string][]diagnostics.Diagnostic),
		fail:  make(map[string]bool),
	}
}

func (f *fakeRefresher) CheckScript(ctx context.Context, path string) ([]diagnostics.Diagnostic, error) {
	cur := f.inflight.Add(1)
	for {
		max := f.maxInflight.Load()
		if cur <= max || f.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	defer f.inflight.Add(-1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[filepath.Base(path)]++
	if f.fail[filepath.Base(path)] {
		return nil, assert.AnError
	}
	return f.diags[filepath.Base(path)], nil
}

func (f *fakeRefresher) CachedDiagnostics(path string) []diagnostics.Diagnostic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diags[filepath.Base(path)]
}

func (f *fakeRefresher) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func scanConfig() config.Scan {
	return config.Scan{
		BatchSize:    50,
		BatchDelayMs: 0,
		Exclude:      append([]string(nil), config.DefaultExcludes...),
	}
}

func TestListScripts_HonorsExcludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "player.gd", "extends Node\n")
	writeFile(t, root, "scenes/enemy.gd", "extends Node\n")
	writeFile(t, root, "scenes/level.tscn", "[gd_scene]\n")
	writeFile(t, root, "addons/plugin/tool.gd", "extends Node\n")
	writeFile(t, root, ".godot/cache.gd", "extends Node\n")
	writeFile(t, root, ".import/old.gd", "extends Node\n")

	s := New(root, scanConfig(), newFakeRefresher())
	scripts, err := s.ListScripts()
	require.NoError(t, err)

	require.Len(t, scripts, 2)
	assert.Equal(t, filepath.Join(root, "player.gd"), scripts[0])
	assert.Equal(t, filepath.Join(root, "scenes", "enemy.gd"), scripts[1])
}

func TestListScripts_CustomExcludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.gd", "extends Node\n")
	writeFile(t, root, "generated/skip.gd", "extends Node\n")

	cfg := scanConfig()
	cfg.Exclude = append(cfg.Exclude, "generated/**")
	s := New(root, cfg, newFakeRefresher())

	scripts, err := s.ListScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, filepath.Join(root, "keep.gd"), scripts[0])
}

func TestExcluded_PatternMatrix(t *testing.T) {
	patterns := []string{"addons/**", ".godot/**", "*.tmp"}

	assert.True(t, Excluded(patterns, "addons"), "directory itself is pruned")
	assert.True(t, Excluded(patterns, "addons/"))
	assert.True(t, Excluded(patterns, "addons/plugin/tool.gd"))
	assert.True(t, Excluded(patterns, "scratch.tmp"))
	assert.False(t, Excluded(patterns, "scenes/enemy.gd"))
	assert.False(t, Excluded(patterns, "addons_extra/tool.gd"), "prefix match stops at the separator")
}

func TestScan_AggregatesSeverities(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bad.gd", "var x = = 1\n")
	writeFile(t, root, "warn.gd", "var unused = 1\n")
	writeFile(t, root, "clean.gd", "extends Node\n")

	r := newFakeRefresher()
	r.diags["bad.gd"] = []diagnostics.Diagnostic{
		{Line: 1, Column: 9, Severity: diagnostics.SeverityError, Message: "Unexpected token"},
		{Line: 1, Column: 11, Severity: diagnostics.SeverityError, Message: "Expected expression"},
	}
	r.diags["warn.gd"] = []diagnostics.Diagnostic{
		{Line: 1, Column: 5, Severity: diagnostics.SeverityWarning, Message: "Unused variable"},
	}

	s := New(root, scanConfig(), r)
	report, err := s.Scan(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 3, report.FilesScanned)
	assert.Equal(t, 2, report.FilesWithIssues)
	assert.Equal(t, 2, report.Errors)
	assert.Equal(t, 1, report.Warnings)
	assert.Empty(t, report.FailedFiles)
	assert.GreaterOrEqual(t, report.ElapsedMs, int64(0))
}

func TestScan_FailedFileDoesNotAbortScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "good.gd", "extends Node\n")
	writeFile(t, root, "broken.gd", "extends Node\n")

	r := newFakeRefresher()
	r.fail["broken.gd"] = true

	s := New(root, scanConfig(), r)
	report, err := s.Scan(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.FilesScanned)
	require.Len(t, report.FailedFiles, 1)
	assert.Contains(t, report.FailedFiles[0], "broken.gd")
	assert.Equal(t, 1, r.callCount("good.gd"))
}

func TestScan_SkipsUnchangedFiles(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a.gd", "extends Node\n")
	writeFile(t, root, "b.gd", "extends Node2D\n")

	r := newFakeRefresher()
	s := New(root, scanConfig(), r)

	_, err := s.Scan(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, r.callCount("a.gd"))
	assert.Equal(t, 1, r.callCount("b.gd"))

	report, err := s.Scan(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, r.callCount("a.gd"), "unchanged file must not be refreshed")

	require.NoError(t, os.WriteFile(a, []byte("extends Node\nvar x = 1\n"), 0644))
	report, err = s.Scan(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, r.callCount("a.gd"))
	assert.Equal(t, 1, r.callCount("b.gd"))
}

func TestScan_RescanKeepsIssueCounters(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bad.gd", "var x = = 1\n")
	writeFile(t, root, "clean.gd", "extends Node\n")

	r := newFakeRefresher()
	r.diags["bad.gd"] = []diagnostics.Diagnostic{
		{Line: 6, Column: 15, Severity: diagnostics.SeverityError, Message: "Unexpected token"},
	}

	s := New(root, scanConfig(), r)
	report, err := s.Scan(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesWithIssues)
	assert.Equal(t, 1, report.Errors)

	report, err = s.Scan(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.FilesWithIssues, "skipped file with current diagnostics still counts")
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, r.callCount("bad.gd"), "unchanged file must not be refreshed")
}

func TestScan_ForceRefreshesEverything(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.gd", "extends Node\n")

	r := newFakeRefresher()
	s := New(root, scanConfig(), r)

	_, err := s.Scan(context.Background(), false)
	require.NoError(t, err)
	_, err = s.Scan(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, r.callCount("a.gd"))
}

func TestScan_InvalidateDropsMemo(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.gd", "extends Node\n")

	r := newFakeRefresher()
	s := New(root, scanConfig(), r)

	_, err := s.Scan(context.Background(), false)
	require.NoError(t, err)
	s.Invalidate()
	_, err = s.Scan(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, r.callCount("a.gd"))
}

func TestScan_BoundsConcurrency(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 10; i++ {
		writeFile(t, root, filepath.Join("s", string(rune('a'+i))+".gd"), "extends Node\n")
	}

	r := newFakeRefresher()
	r.delay = 10 * time.Millisecond
	cfg := scanConfig()
	cfg.BatchSize = 3

	s := New(root, cfg, r)
	report, err := s.Scan(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 10, report.FilesScanned)
	assert.LessOrEqual(t, r.maxInflight.Load(), int32(3), "no more than one batch in flight")
}

func TestScan_CanceledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.gd", "extends Node\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(root, scanConfig(), newFakeRefresher())
	_, err := s.Scan(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
}
