// Package scanner walks the workspace for GDScript files and refreshes
// their diagnostics in bounded concurrent batches.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/gdbridge/internal/config"
	"github.com/standardbeagle/gdbridge/internal/debug"
	"github.com/standardbeagle/gdbridge/internal/diagnostics"
	"github.com/standardbeagle/gdbridge/internal/security"
)

// Refresher forces re-analysis of one script and exposes the last cached
// diagnostics for scripts it has already seen.
type Refresher interface {
	CheckScript(ctx context.Context, path string) ([]diagnostics.Diagnostic, error)
	CachedDiagnostics(path string) []diagnostics.Diagnostic
}

// Report summarizes one workspace scan.
type Report struct {
	FilesScanned    int      `json:"files_scanned"`
	FilesWithIssues int      `json:"files_with_issues"`
	Errors          int      `json:"errors"`
	Warnings        int      `json:"warnings"`
	Infos           int      `json:"infos"`
	Skipped         int      `json:"skipped_unchanged,omitempty"`
	FailedFiles     []string `json:"failed_files,omitempty"`
	ElapsedMs       int64    `json:"elapsed_ms"`
}

// Scanner drives batch diagnostics refreshes over a workspace.
type Scanner struct {
	root       string
	excludes   []string
	batchSize  int
	batchDelay time.Duration
	refresher  Refresher

	mu   sync.Mutex
	memo map[string]uint64 // content hash per path from the last scan
}

// New creates a scanner rooted at root.
func New(root string, cfg config.Scan, r Refresher) *Scanner {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	return &Scanner{
		root:       filepath.Clean(root),
		excludes:   append([]string(nil), cfg.Exclude...),
		batchSize:  batchSize,
		batchDelay: time.Duration(cfg.BatchDelayMs) * time.Millisecond,
		refresher:  r,
	}
}

// ListScripts walks the workspace and returns every script path not
// matched by an exclude pattern, sorted for deterministic batching.
func (s *Scanner) ListScripts() ([]string, error) {
	root := s.Root()
	var scripts []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directories are skipped, not fatal.
			debug.LogScan("skipping %s: %v\n", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			// Hidden directories (.godot, .git, .import) never hold scripts
			// the editor analyzes.
			if rel != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if Excluded(s.excludes, rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), security.ScriptExtension) {
			return nil
		}
		if Excluded(s.excludes, rel) {
			return nil
		}
		scripts = append(scripts, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(scripts)
	return scripts, nil
}

// Excluded reports whether the slash-separated path rel, relative to the
// workspace root, matches any of the doublestar exclude patterns. It is
// the single exclusion matcher shared by the scanner and the watcher.
func Excluded(patterns []string, rel string) bool {
	rel = strings.TrimSuffix(rel, "/")
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// A directory matches "addons/**" style patterns by prefix so the
		// walk can prune it without descending.
		if strings.HasSuffix(pattern, "/**") {
			dir := strings.TrimSuffix(pattern, "/**")
			if rel == dir || strings.HasPrefix(rel, dir+"/") {
				return true
			}
		}
	}
	return false
}

// Scan refreshes diagnostics for every script in the workspace. Files are
// processed in fixed-size concurrent batches with a pause between batches
// so the editor is not flooded. Per-file failures are recorded and the
// scan continues; when force is false, files whose content hash has not
// changed since the previous scan are skipped.
func (s *Scanner) Scan(ctx context.Context, force bool) (*Report, error) {
	start := time.Now()
	scripts, err := s.ListScripts()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	perFile := make(map[string][]diagnostics.Diagnostic)

	for i := 0; i < len(scripts); i += s.batchSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		end := i + s.batchSize
		if end > len(scripts) {
			end = len(scripts)
		}
		batch := scripts[i:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, path := range batch {
			path := path
			g.Go(func() error {
				s.scanOne(gctx, path, force, report, perFile)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if end < len(scripts) && s.batchDelay > 0 {
			select {
			case <-time.After(s.batchDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	for _, diags := range perFile {
		if len(diags) == 0 {
			continue
		}
		report.FilesWithIssues++
		for _, d := range diags {
			switch d.Severity {
			case diagnostics.SeverityError:
				report.Errors++
			case diagnostics.SeverityWarning:
				report.Warnings++
			default:
				report.Infos++
			}
		}
	}

	report.ElapsedMs = time.Since(start).Milliseconds()
	debug.LogScan("scanned %d files in %dms (%d with issues, %d skipped)\n",
		report.FilesScanned, report.ElapsedMs, report.FilesWithIssues, report.Skipped)
	return report, nil
}

// scanOne refreshes a single file, catching and recording any failure so
// the rest of the scan proceeds.
func (s *Scanner) scanOne(ctx context.Context, path string, force bool, report *Report, perFile map[string][]diagnostics.Diagnostic) {
	content, err := os.ReadFile(path)
	if err != nil {
		debug.LogScan("failed to read %s: %v\n", path, err)
		s.recordFailure(report, path)
		return
	}
	hash := xxhash.Sum64(content)

	s.mu.Lock()
	unchanged := !force && s.memo != nil && s.memo[path] == hash
	s.mu.Unlock()
	if unchanged {
		// The cached diagnostics are still current and must count toward
		// the issue tally like a fresh refresh would.
		diags := s.refresher.CachedDiagnostics(path)
		s.mu.Lock()
		report.FilesScanned++
		report.Skipped++
		perFile[path] = diags
		s.mu.Unlock()
		return
	}

	diags, err := s.refresher.CheckScript(ctx, path)
	if err != nil {
		debug.LogScan("refresh failed for %s: %v\n", path, err)
		s.recordFailure(report, path)
		return
	}

	s.mu.Lock()
	if s.memo == nil {
		s.memo = make(map[string]uint64)
	}
	s.memo[path] = hash
	report.FilesScanned++
	perFile[path] = diags
	s.mu.Unlock()
}

func (s *Scanner) recordFailure(report *Report, path string) {
	s.mu.Lock()
	report.FilesScanned++
	report.FailedFiles = append(report.FailedFiles, path)
	s.mu.Unlock()
}

// Invalidate drops the change memo so the next scan refreshes everything.
func (s *Scanner) Invalidate() {
	s.mu.Lock()
	s.memo = nil
	s.mu.Unlock()
}

// SetRoot points the scanner at a new workspace root and drops the memo.
func (s *Scanner) SetRoot(root string) {
	s.mu.Lock()
	s.root = filepath.Clean(root)
	s.memo = nil
	s.mu.Unlock()
}

// Root returns the workspace root being scanned.
func (s *Scanner) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}
