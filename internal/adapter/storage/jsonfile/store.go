package jsonfile

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/port"
)

const formatVersion = 1

// file is the on-disk layout. Each job is framed with the blake2b-256 sum of
// its compact JSON so a damaged record can be dropped without losing the rest.
type file struct {
	Version int      `json:"version"`
	Jobs    []record `json:"jobs"`
}

type record struct {
	Checksum string          `json:"checksum"`
	Job      json.RawMessage `json:"job"`
}

type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrapf(err, "create store directory for %s", path)
	}
	return &Store{path: path, now: time.Now}, nil
}

func (s *Store) Path() string { return s.path }

// SaveAll replaces the whole file through a temp file and rename.
func (s *Store) SaveAll(jobs []*domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := file{Version: formatVersion, Jobs: make([]record, 0, len(jobs))}
	for _, j := range jobs {
		raw, err := json.Marshal(j)
		if err != nil {
			return errors.Wrapf(err, "encode job %s", j.ID)
		}
		doc.Jobs = append(doc.Jobs, record{Checksum: checksum(raw), Job: raw})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode queue")
	}

	tmpPath := s.path + ".tmp"
	if err := writeSynced(tmpPath, data); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "replace %s", s.path)
	}
	return nil
}

// LoadAll returns every intact record. A missing file is an empty queue; a
// file that cannot be read or parsed at all is moved aside and also yields an
// empty queue.
func (s *Store) LoadAll() ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.quarantine(err)
		return nil, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc file
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != formatVersion {
		if err == nil {
			err = errors.Newf("unsupported format version %d", doc.Version)
		}
		s.quarantine(err)
		return nil, nil
	}

	jobs := make([]*domain.Job, 0, len(doc.Jobs))
	for i, rec := range doc.Jobs {
		job, err := decodeRecord(rec)
		if err != nil {
			logger.Warn.Printf("skipping corrupt job record %d in %s: %v", i, s.path, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) quarantine(cause error) {
	aside := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, aside); err != nil {
		logger.Error.Printf("queue file %s is unreadable (%v) and could not be moved aside: %v; starting empty",
			s.path, cause, err)
		return
	}
	logger.Error.Printf("queue file %s is unreadable (%v); moved to %s, starting empty", s.path, cause, aside)
}

func decodeRecord(rec record) (*domain.Job, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, rec.Job); err != nil {
		return nil, errors.Wrap(err, "malformed record")
	}
	if rec.Checksum == "" || rec.Checksum != checksum(compact.Bytes()) {
		return nil, errors.New("checksum mismatch")
	}
	job := &domain.Job{}
	if err := json.Unmarshal(compact.Bytes(), job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, errors.New("record has no id")
	}
	return job, nil
}

func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

var _ port.JobStore = (*Store)(nil)
