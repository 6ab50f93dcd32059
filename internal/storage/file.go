package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

// fileStore keeps everything in memory and persists it as JSON files.
//
// Files:
//   - <prefix>.markers.snapshot.json / <prefix>.markers.journal.jsonl
//   - <prefix>.dedup.snapshot.json   / <prefix>.dedup.journal.jsonl
//   - <prefix>.runs.jsonl            (append-only)
//
// Each journal is compacted into its snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	markers *journal
	dedup   *journal
	runs    *os.File
	runPath string
}

const compactEvery = 200

type journalRecord struct {
	Op    string          `json:"op"` // "put" or "del"
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// journal is a key/value map persisted as snapshot + append-only journal.
type journal struct {
	snapshotPath string
	file         *os.File
	data         map[string]json.RawMessage
	writes       int
}

func openJournal(prefix string) (*journal, error) {
	j := &journal{
		snapshotPath: prefix + ".snapshot.json",
		data:         map[string]json.RawMessage{},
	}
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(j.snapshotPath, j.data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, j.data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.file = f
	return j, nil
}

func (j *journal) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := j.append(journalRecord{Op: "put", Key: key, Value: b}); err != nil {
		return err
	}
	j.data[key] = b
	return nil
}

func (j *journal) del(key string) error {
	if err := j.append(journalRecord{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(j.data, key)
	return nil
}

func (j *journal) append(r journalRecord) error {
	if j.file == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(j.file).Encode(r); err != nil {
		return err
	}
	j.writes++
	if j.writes%compactEvery == 0 {
		return j.compact()
	}
	return nil
}

func (j *journal) compact() error {
	tmp := j.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err = j.file.Seek(0, 2)
	return err
}

func (j *journal) close() error {
	if j == nil || j.file == nil {
		return nil
	}
	err := j.compact()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

func loadSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for s.Scan() {
		var r journalRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Key == "" {
			// torn tail write
			continue
		}
		switch r.Op {
		case "put":
			out[r.Key] = r.Value
		case "del":
			delete(out, r.Key)
		}
	}
	return s.Err()
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fault.Configurationf("storage.open", "storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Storage("storage.open", err)
	}

	markers, err := openJournal(prefix + ".markers")
	if err != nil {
		return nil, fault.Storage("storage.open", err)
	}
	dedup, err := openJournal(prefix + ".dedup")
	if err != nil {
		_ = markers.close()
		return nil, fault.Storage("storage.open", err)
	}
	pruneExpiredDedup(dedup.data)

	runPath := prefix + ".runs.jsonl"
	rf, err := os.OpenFile(runPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = markers.close()
		_ = dedup.close()
		return nil, fault.Storage("storage.open", err)
	}
	log.Info("file store opened", logx.String("path", prefix), logx.Int("markers", len(markers.data)))
	return &fileStore{log: log, markers: markers, dedup: dedup, runs: rf, runPath: runPath}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []error{s.markers.close(), s.dedup.close()}
	if s.runs != nil {
		errs = append(errs, s.runs.Close())
		s.runs = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) List(ctx context.Context) ([]marker.Marker, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]marker.Marker, 0, len(s.markers.data))
	for id, raw := range s.markers.data {
		var m marker.Marker
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fault.Storage("storage.list", errors.New("decode marker "+id+": "+err.Error()))
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (marker.Marker, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.markers.data[id]
	if !ok {
		return marker.Marker{}, fault.NotFound("storage.get", errors.New("marker "+id+" not found"))
	}
	var m marker.Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return marker.Marker{}, fault.Storage("storage.get", err)
	}
	return m, nil
}

func (s *fileStore) Add(ctx context.Context, m marker.Marker) (string, error) {
	_ = ctx
	m, err := prepareAdd(m)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.markers.put(m.ID, m); err != nil {
		return "", fault.Storage("storage.add", err)
	}
	s.log.Info("marker added", logx.String("marker", m.ID))
	return m.ID, nil
}

func (s *fileStore) Update(ctx context.Context, m marker.Marker) error {
	_ = ctx
	m, err := prepareUpdate(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers.data[m.ID]; !ok {
		return fault.NotFound("storage.update", errors.New("marker "+m.ID+" not found"))
	}
	if err := s.markers.put(m.ID, m); err != nil {
		return fault.Storage("storage.update", err)
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers.data[id]; !ok {
		s.log.Warn("delete of unknown marker ignored", logx.String("marker", id))
		return nil
	}
	if err := s.markers.del(id); err != nil {
		return fault.Storage("storage.delete", err)
	}
	s.log.Info("marker deleted", logx.String("marker", id))
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.ID == "" {
		r.ID = newID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return fault.Storage("storage.append_run", errors.New("run log closed"))
	}
	if err := json.NewEncoder(s.runs).Encode(r); err != nil {
		return fault.Storage("storage.append_run", err)
	}
	return nil
}

// ListRuns returns the newest runs first.
func (s *fileStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 || limit > maxRuns {
		limit = maxRuns
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.runPath)
	if err != nil {
		return nil, fault.Storage("storage.list_runs", err)
	}
	defer f.Close()

	var all []RunRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		all = append(all, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fault.Storage("storage.list_runs", err)
	}
	out := make([]RunRecord, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dedup.put(key, until.UnixMilli()); err != nil {
		return fault.Storage("storage.put_dedup", err)
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.dedup.data[key]
	if !ok {
		return time.Time{}, false, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, false, fault.Storage("storage.get_dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}

func pruneExpiredDedup(m map[string]json.RawMessage) {
	now := time.Now().UnixMilli()
	for k, raw := range m {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil || ms < now {
			delete(m, k)
		}
	}
}
