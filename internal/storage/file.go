package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"chronod/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of all records)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// State lives in an embedded MemoryStore; every mutation is journaled before
// it is acknowledged. The journal is compacted into the snapshot every
// fileCompactEvery writes and on Close.
type fileStore struct {
	*MemoryStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

type journalOp string

const (
	opJobPut    journalOp = "job.put"
	opJobDel    journalOp = "job.del"
	opExecPut   journalOp = "exec.put"
	opAuditPut  journalOp = "audit.put"
	fileVersion           = 1
)

type journalRecord struct {
	Op        journalOp  `json:"op"`
	ID        string     `json:"id,omitempty"`
	Job       *Job       `json:"job,omitempty"`
	Execution *Execution `json:"execution,omitempty"`
	Audit     *AuditLog  `json:"audit,omitempty"`
}

type fileSnapshot struct {
	Version    int         `json:"version"`
	Jobs       []Job       `json:"jobs"`
	Executions []Execution `json:"executions"`
	Audit      []AuditLog  `json:"audit"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}

	mem := NewMemory()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load snapshot")
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "replay journal")
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	s := &fileStore{
		MemoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
	}
	log.Debug("file store opened",
		logx.String("path", prefix),
		logx.Int("jobs", len(mem.jobs)),
		logx.Int("journal_replayed", n),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	s.closed = true
	return err
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return errors.Wrap(err, "append journal")
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AddJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addJobLocked(job); err != nil {
		return err
	}
	stored := s.jobs[job.ID]
	return s.appendLocked(journalRecord{Op: opJobPut, Job: &stored})
}

func (s *fileStore) UpdateJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateJobLocked(job); err != nil {
		return err
	}
	stored := s.jobs[job.ID]
	return s.appendLocked(journalRecord{Op: opJobPut, Job: &stored})
}

func (s *fileStore) RemoveJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.removeJobLocked(id); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opJobDel, ID: id})
}

func (s *fileStore) AddExecution(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.addExecutionLocked(e)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opExecPut, Execution: &stored})
}

func (s *fileStore) UpdateExecution(_ context.Context, id string, u ExecutionUpdate) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.updateExecutionLocked(id, u, s.now())
	if err != nil {
		return Execution{}, err
	}
	return e, s.appendLocked(journalRecord{Op: opExecPut, Execution: &e})
}

func (s *fileStore) AddAuditLog(_ context.Context, l AuditLog) (AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.addAuditLocked(l)
	if err != nil {
		return AuditLog{}, err
	}
	return stored, s.appendLocked(journalRecord{Op: opAuditPut, Audit: &stored})
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Version: fileVersion}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	sortJobs(snap.Jobs)
	for _, e := range s.executions {
		snap.Executions = append(snap.Executions, e)
	}
	snap.Audit = append(snap.Audit, s.audit...)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return errors.WithStack(err)
	}
	if err := s.journal.Truncate(0); err != nil {
		return errors.WithStack(err)
	}
	_, err = s.journal.Seek(0, 2)
	return errors.WithStack(err)
}

func loadSnapshot(path string, mem *MemoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return errors.WithStack(err)
	}
	for _, j := range snap.Jobs {
		mem.jobs[j.ID] = j
	}
	for _, e := range snap.Executions {
		mem.executions[e.ID] = e
	}
	for _, l := range snap.Audit {
		mem.audit = append(mem.audit, l)
		if l.ID > mem.auditSeq {
			mem.auditSeq = l.ID
		}
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. Torn trailing
// lines (from a crash mid-write) are skipped.
func replayJournal(path string, mem *MemoryStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opJobPut:
			if r.Job != nil {
				mem.jobs[r.Job.ID] = *r.Job
			}
		case opJobDel:
			delete(mem.jobs, r.ID)
		case opExecPut:
			if r.Execution != nil {
				mem.executions[r.Execution.ID] = *r.Execution
			}
		case opAuditPut:
			if r.Audit != nil {
				mem.audit = append(mem.audit, *r.Audit)
				if r.Audit.ID > mem.auditSeq {
					mem.auditSeq = r.Audit.ID
				}
			}
		default:
			continue
		}
		n++
	}
	return n, errors.WithStack(sc.Err())
}

var _ Store = (*fileStore)(nil)
