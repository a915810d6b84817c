package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps the timeline in two files next to cfg.Path:
//   - <prefix>.snapshot.json  (full timeline, rewritten on compaction)
//   - <prefix>.journal.jsonl  (append-only puts and deletes since then)
type fileStore struct {
	fs  afero.Fs
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      afero.File
	entries      map[string]row
	writes       int
}

type journalRecord struct {
	Op    string `json:"op"`
	Entry *row   `json:"entry,omitempty"`
	ID    string `json:"id,omitempty"`
}

const (
	opPut    = "put"
	opDelete = "delete"
)

func openFile(fs afero.Fs, cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	entries := map[string]row{}
	if err := loadSnapshot(fs, snapPath, entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replay, err := replayJournal(fs, journalPath, entries)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if replay.skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", replay.skipped))
	}

	jf, err := fs.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := repairTail(jf, replay); err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("repair journal tail: %w", err)
	}
	if replay.tail != tailOK {
		log.Warn("repaired unterminated journal tail", logx.Bool("kept", replay.tail == tailUnterminated))
	}

	return &fileStore{
		fs:           fs,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		entries:      entries,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) LoadEntries(ctx context.Context) ([]schedule.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedule.Entry, 0, len(s.entries))
	for _, r := range s.entries {
		out = append(out, r.entry())
	}
	sortEntries(out)
	return out, nil
}

func (s *fileStore) PutEntry(ctx context.Context, e schedule.Entry) error {
	_ = ctx
	r := toRow(e)
	return s.append(journalRecord{Op: opPut, Entry: &r}, func() { s.entries[r.ID] = r })
}

func (s *fileStore) DeleteEntry(ctx context.Context, id string) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return s.append(journalRecord{Op: opDelete, ID: id}, func() { delete(s.entries, id) })
}

// append writes rec to the journal and, once it is written, applies it.
func (s *fileStore) append(rec journalRecord, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	apply()

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	rows := make([]row, 0, len(s.entries))
	for _, r := range s.entries {
		rows = append(rows, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	if err == nil {
		s.log.Debug("journal compacted", logx.Int("entries", len(rows)))
	}
	return err
}

func loadSnapshot(fs afero.Fs, path string, out map[string]row) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var rows []row
	if err := json.NewDecoder(f).Decode(&rows); err != nil {
		return err
	}
	for _, r := range rows {
		out[r.ID] = r
	}
	return nil
}

type tailState int

const (
	tailOK tailState = iota
	// tailUnterminated is a readable record missing its newline.
	tailUnterminated
	// tailTorn is an unreadable fragment after the last newline.
	tailTorn
)

type replayResult struct {
	skipped int
	end     int64 // just past the last newline
	tail    tailState
}

// replayJournal applies journal records over out. Unreadable lines, such as a
// record torn by a crash, are counted and skipped.
func replayJournal(fs afero.Fs, path string, out map[string]row) (replayResult, error) {
	var res replayResult
	f, err := fs.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			terminated := line[len(line)-1] == '\n'
			ok := applyRecord(bytes.TrimSpace(line), out)
			switch {
			case terminated:
				res.end += int64(len(line))
				if !ok {
					res.skipped++
				}
			case ok:
				res.tail = tailUnterminated
			default:
				res.tail = tailTorn
				res.skipped++
			}
		}
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}
}

// applyRecord applies one journal line. Blank lines count as applied.
func applyRecord(line []byte, out map[string]row) bool {
	if len(line) == 0 {
		return true
	}
	var rec journalRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return false
	}
	switch {
	case rec.Op == opPut && rec.Entry != nil && rec.Entry.ID != "":
		out[rec.Entry.ID] = *rec.Entry
	case rec.Op == opDelete && rec.ID != "":
		delete(out, rec.ID)
	default:
		return false
	}
	return true
}

// repairTail makes the journal end on a record boundary so the next append
// starts a fresh line: a torn fragment is cut off, a readable record without
// its newline gets one.
func repairTail(jf afero.File, replay replayResult) error {
	switch replay.tail {
	case tailTorn:
		if err := jf.Truncate(replay.end); err != nil {
			return err
		}
	case tailUnterminated:
		if _, err := jf.Seek(0, io.SeekEnd); err != nil {
			return err
		}
		if _, err := jf.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	_, err := jf.Seek(0, io.SeekEnd)
	return err
}
