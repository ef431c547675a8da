// Package audit provides a directory-backed audit store: JSON Lines files
// rotated by day and size, with retention cleanup and a recent-record cache
// that survives restarts.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/audit"
)

const (
	defaultRetentionDays = 30
	defaultMaxFileSizeMB = 100
	defaultCacheSize     = 1000
	dateLayout           = "2006-01-02"
)

// segmentPattern matches credgate-audit-YYYY-MM-DD.jsonl and credgate-audit-YYYY-MM-DD.N.jsonl.
var segmentPattern = regexp.MustCompile(`^credgate-audit-(\d{4}-\d{2}-\d{2})(?:\.(\d+))?\.jsonl$`)

// segment identifies one audit file on disk.
type segment struct {
	name string
	day  string
	part int
}

func parseSegment(name string) (segment, bool) {
	m := segmentPattern.FindStringSubmatch(name)
	if m == nil {
		return segment{}, false
	}
	seg := segment{name: name, day: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return segment{}, false
		}
		seg.part = n
	}
	return seg, true
}

func segmentName(day string, part int) string {
	if part == 0 {
		return "credgate-audit-" + day + ".jsonl"
	}
	return fmt.Sprintf("credgate-audit-%s.%d.jsonl", day, part)
}

// DirConfig configures a DirStore.
type DirConfig struct {
	// Dir holds the audit files. Created with 0700 if missing.
	Dir string
	// RetentionDays removes files older than this many days (default 30).
	RetentionDays int
	// MaxFileSizeMB starts a new part once the current file reaches this size (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent records served from memory (default 1000).
	CacheSize int
}

// DirStore implements audit.AuditStore over a directory of rotated JSON Lines files.
type DirStore struct {
	dir       string
	maxSize   int64
	retention int
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	file   *os.File
	day    string
	part   int
	size   int64
	closed bool

	recent *ring
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDirStore opens (or creates) the audit directory, removes expired files,
// reloads the recent-record cache from the newest file and starts an hourly
// retention sweep. Close stops the sweep.
func NewDirStore(cfg DirConfig, logger *slog.Logger) (*DirStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &DirStore{
		dir:       cfg.Dir,
		maxSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retention: cfg.RetentionDays,
		now:       time.Now,
		logger:    logger,
		recent:    newRing(cfg.CacheSize),
		done:      make(chan struct{}),
	}

	day := s.now().UTC().Format(dateLayout)
	if err := s.open(day, s.lastPart(day)); err != nil {
		return nil, err
	}
	s.sweep()
	s.reload()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sweepLoop(ctx)
	return s, nil
}

// Append writes each record as one JSON line, switching files when the
// record's day changes or the current file is full.
func (s *DirStore) Append(_ context.Context, records ...audit.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	for _, rec := range records {
		day := rec.Timestamp.UTC().Format(dateLayout)
		switch {
		case day != s.day:
			if err := s.rotate(day, s.lastPart(day)); err != nil {
				return fmt.Errorf("rotate to %s: %w", day, err)
			}
		case s.size >= s.maxSize:
			if err := s.rotate(s.day, s.part+1); err != nil {
				return fmt.Errorf("rotate %s part %d: %w", s.day, s.part+1, err)
			}
		}

		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.file.Write(append(line, '\n'))
		s.size += int64(n)
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.recent.add(rec)
	}
	return nil
}

// Flush syncs the current file.
func (s *DirStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close stops the retention sweep and closes the current file. Safe to call twice.
func (s *DirStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.file != nil {
		_ = s.file.Sync()
		err = s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()

	<-s.done
	return err
}

// GetRecent returns up to n cached records, newest first.
func (s *DirStore) GetRecent(n int) []audit.AuditRecord {
	return s.recent.newest(n, audit.AuditFilter{})
}

// Query returns cached records matching filter, newest first.
func (s *DirStore) Query(filter audit.AuditFilter) []audit.AuditRecord {
	return s.recent.newest(filter.EffectiveLimit(), filter)
}

func (s *DirStore) open(day string, part int) error {
	name := segmentName(day, part)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", name, err)
	}
	s.file, s.day, s.part, s.size = f, day, part, info.Size()
	return nil
}

// rotate must be called with s.mu held.
func (s *DirStore) rotate(day string, part int) error {
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}
	return s.open(day, part)
}

func (s *DirStore) segments() []segment {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit: read directory", "dir", s.dir, "error", err)
		return nil
	}
	var out []segment
	for _, e := range entries {
		if seg, ok := parseSegment(e.Name()); ok {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].day != out[j].day {
			return out[i].day < out[j].day
		}
		return out[i].part < out[j].part
	})
	return out
}

// lastPart returns the highest existing part number for day.
func (s *DirStore) lastPart(day string) int {
	last := 0
	for _, seg := range s.segments() {
		if seg.day == day && seg.part > last {
			last = seg.part
		}
	}
	return last
}

// sweep removes files whose day is older than the retention window.
func (s *DirStore) sweep() {
	cutoff := s.now().UTC().AddDate(0, 0, -s.retention).Format(dateLayout)
	removed := 0
	for _, seg := range s.segments() {
		if seg.day >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, seg.name)); err != nil {
			s.logger.Warn("audit: remove expired file", "file", seg.name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("audit retention sweep", "removed", removed)
	}
}

func (s *DirStore) sweepLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// reload fills the cache from the newest non-empty file.
func (s *DirStore) reload() {
	segs := s.segments()
	for i := len(segs) - 1; i >= 0; i-- {
		path := filepath.Join(s.dir, segs[i].name)
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			continue
		}
		s.load(path)
		return
	}
}

func (s *DirStore) load(path string) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("audit: open file for cache reload", "file", path, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec audit.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.logger.Warn("audit: skipping malformed line", "file", path, "error", err)
			continue
		}
		s.recent.add(rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("audit: read file for cache reload", "file", path, "error", err)
	}
}

var _ audit.AuditStore = (*DirStore)(nil)

// ring holds the most recent records, overwriting the oldest.
type ring struct {
	mu    sync.RWMutex
	buf   []audit.AuditRecord
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]audit.AuditRecord, size)}
}

func (r *ring) add(rec audit.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// newest returns up to n records matching filter, newest first.
func (r *ring) newest(n int, filter audit.AuditFilter) []audit.AuditRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	var out []audit.AuditRecord
	for i := 0; i < r.count && len(out) < n; i++ {
		rec := r.buf[(r.next-1-i+len(r.buf))%len(r.buf)]
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}
