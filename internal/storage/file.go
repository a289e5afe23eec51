package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ajnotify/internal/ns"
	logx "ajnotify/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.history.jsonl       (append-only JSON Lines, rewritten when it grows past 2x the limit)
//   - <prefix>.ids.snapshot.json   (periodic snapshot)
//   - <prefix>.ids.journal.jsonl   (append-only journal)
//
// The id journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	historyPath  string
	historyFile  *os.File
	history      []HistoryEntry // oldest first, at most 2*limit
	limit        int
	historyLines int

	idsSnapshotPath string
	idsJournalFile  *os.File
	ids             map[string]int32

	idWrites int
}

type idRecord struct {
	App string `json:"app"`
	ID  int32  `json:"id"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	historyPath := prefix + ".history.jsonl"
	snapPath := prefix + ".ids.snapshot.json"
	journalPath := prefix + ".ids.journal.jsonl"

	limit := historyLimit(cfg)
	history, lines := loadHistory(historyPath, limit)

	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	ids := map[string]int32{}
	if err := loadIDSnapshot(snapPath, ids); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("id snapshot unreadable, relying on journal", logx.Err(err))
	}
	if err := replayIDJournal(journalPath, ids); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("id journal unreadable, later entries ignored", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = hf.Close()
		return nil, err
	}

	return &fileStore{
		log:             log,
		historyPath:     historyPath,
		historyFile:     hf,
		history:         history,
		limit:           limit,
		historyLines:    lines,
		idsSnapshotPath: snapPath,
		idsJournalFile:  jf,
		ids:             ids,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.historyFile != nil {
		err1 = s.historyFile.Close()
		s.historyFile = nil
	}
	if s.idsJournalFile != nil {
		err2 = s.idsJournalFile.Close()
		s.idsJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) LastMessageID(ctx context.Context, app ns.AppID) (int32, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[app.String()]
	return id, ok, nil
}

func (s *fileStore) PutLastMessageID(ctx context.Context, app ns.AppID, id int32) error {
	_ = ctx
	key := app.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idsJournalFile == nil {
		return ErrClosed
	}
	s.ids[key] = id

	if err := json.NewEncoder(s.idsJournalFile).Encode(idRecord{App: key, ID: id}); err != nil {
		return err
	}
	s.idWrites++
	if s.idWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactIDsLocked(); err != nil {
			s.log.Debug("id journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := json.NewEncoder(s.historyFile).Encode(e); err != nil {
		return err
	}
	s.history = append(s.history, e)
	if len(s.history) > s.limit {
		s.history = append([]HistoryEntry(nil), s.history[len(s.history)-s.limit:]...)
	}
	s.historyLines++
	if s.historyLines > 2*s.limit {
		if err := s.rewriteHistoryLocked(); err != nil {
			s.log.Debug("history rewrite failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.history))
	out := make([]HistoryEntry, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

func (s *fileStore) compactIDsLocked() error {
	if err := writeJSONAtomic(s.idsSnapshotPath, s.ids); err != nil {
		return err
	}
	if err := s.idsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.idsJournalFile.Seek(0, 2)
	return err
}

func (s *fileStore) rewriteHistoryLocked() error {
	tmp := s.historyPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range s.history {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.historyPath); err != nil {
		return err
	}
	_ = s.historyFile.Close()
	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.historyFile = nil
		return err
	}
	s.historyFile = hf
	s.historyLines = len(s.history)
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadHistory(path string, limit int) ([]HistoryEntry, int) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()
	var (
		out   []HistoryEntry
		lines int
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var e HistoryEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if len(out) > limit {
			out = out[1:]
		}
	}
	return append([]HistoryEntry(nil), out...), lines
}

func loadIDSnapshot(path string, out map[string]int32) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int32
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayIDJournal(path string, out map[string]int32) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r idRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.App == "" {
			continue
		}
		out[r.App] = r.ID
	}
	return s.Err()
}
