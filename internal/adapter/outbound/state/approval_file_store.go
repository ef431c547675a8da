// Package state persists parked approvals to a JSON file so they survive
// restarts and can be shared by processes on the same host.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/approval"
)

// fileVersion is the on-disk format version.
const fileVersion = "1"

// DefaultMaxResolved is how many resolved approvals are retained.
const DefaultMaxResolved = 500

// approvalFile is the JSON document stored on disk.
type approvalFile struct {
	Version   string                     `json:"version"`
	Approvals []approval.PendingApproval `json:"approvals"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// ApprovalFileStore implements approval.Store on a JSON file.
// It provides atomic writes (write-tmp-then-rename) and file locking
// (flock for cross-process, mutex for in-process). Every mutation re-reads
// the file under the lock, so concurrent processes never lose updates.
type ApprovalFileStore struct {
	path        string
	mu          sync.Mutex
	maxResolved int
	now         func() time.Time
	logger      *slog.Logger
}

// NewApprovalFileStore creates a store for the given file path. maxResolved
// bounds how many resolved approvals are kept (pending ones are never trimmed).
func NewApprovalFileStore(path string, maxResolved int, logger *slog.Logger) *ApprovalFileStore {
	if maxResolved <= 0 {
		maxResolved = DefaultMaxResolved
	}
	return &ApprovalFileStore{
		path:        path,
		maxResolved: maxResolved,
		now:         time.Now,
		logger:      logger,
	}
}

// Path returns the configured file path.
func (s *ApprovalFileStore) Path() string {
	return s.path
}

// Add stores a new pending approval.
func (s *ApprovalFileStore) Add(ctx context.Context, p approval.PendingApproval) error {
	return s.update(func(doc *approvalFile) error {
		for _, existing := range doc.Approvals {
			if existing.Token == p.Token {
				return fmt.Errorf("approval %s already exists", p.Token)
			}
		}
		doc.Approvals = append(doc.Approvals, p.Clone())
		return nil
	})
}

// Get returns an approval by token.
func (s *ApprovalFileStore) Get(ctx context.Context, token string) (approval.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return approval.PendingApproval{}, err
	}
	for _, p := range doc.Approvals {
		if p.Token == token {
			return p, nil
		}
	}
	return approval.PendingApproval{}, fmt.Errorf("approval %s: %w", token, approval.ErrApprovalNotFound)
}

// Transition moves an approval from one status to another atomically.
func (s *ApprovalFileStore) Transition(ctx context.Context, token string, from, to approval.Status, reason string) (approval.PendingApproval, error) {
	var out approval.PendingApproval
	err := s.update(func(doc *approvalFile) error {
		for i := range doc.Approvals {
			p := &doc.Approvals[i]
			if p.Token != token {
				continue
			}
			if p.Status != from {
				return fmt.Errorf("approval %s is already %s: %w", token, p.Status, approval.ErrApprovalResolved)
			}
			p.Status = to
			if reason != "" {
				p.Reason = reason
			}
			if from == approval.StatusPending {
				p.ResolvedAt = s.now().UTC()
			}
			out = p.Clone()
			return nil
		}
		return fmt.Errorf("approval %s: %w", token, approval.ErrApprovalNotFound)
	})
	return out, err
}

// ListPending returns unresolved approvals, oldest first.
func (s *ApprovalFileStore) ListPending(ctx context.Context) ([]approval.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var result []approval.PendingApproval
	for _, p := range doc.Approvals {
		if p.Status == approval.StatusPending {
			result = append(result, p)
		}
	}
	return result, nil
}

// update runs fn against the current file contents under both locks and
// writes the result back atomically. Nothing is written when fn fails.
func (s *ApprovalFileStore) update(fn func(doc *approvalFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	s.trim(doc)
	doc.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	s.logger.Debug("approvals saved", "path", s.path, "count", len(doc.Approvals))
	return nil
}

// trim drops the oldest resolved approvals beyond maxResolved.
func (s *ApprovalFileStore) trim(doc *approvalFile) {
	resolved := 0
	for _, p := range doc.Approvals {
		if p.Status != approval.StatusPending {
			resolved++
		}
	}
	excess := resolved - s.maxResolved
	if excess <= 0 {
		return
	}
	kept := doc.Approvals[:0]
	for _, p := range doc.Approvals {
		if excess > 0 && p.Status != approval.StatusPending {
			excess--
			continue
		}
		kept = append(kept, p)
	}
	doc.Approvals = kept
}

// load reads the file. A missing file is an empty store.
func (s *ApprovalFileStore) load() (*approvalFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &approvalFile{Version: fileVersion}, nil
		}
		return nil, fmt.Errorf("read approvals file: %w", err)
	}

	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("approvals file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var doc approvalFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse approvals file: %w", err)
	}
	if doc.Version == "" {
		doc.Version = fileVersion
	}
	return &doc, nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *ApprovalFileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to approvals file: %w", err)
	}
	return nil
}

// Compile-time interface verification.
var _ approval.Store = (*ApprovalFileStore)(nil)
