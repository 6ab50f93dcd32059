package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps the full marker record as JSON in markers.body; the
// other columns are copies for ad-hoc queries.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fault.Configurationf("storage.open", "sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fault.Storage("storage.open", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Storage("storage.open", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fault.Storage("storage.migrate", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.addColumns(ctx, "runs", map[string]string{
		"updated": "INTEGER NOT NULL DEFAULT 0",
		"no_data": "INTEGER NOT NULL DEFAULT 0",
	})
}

// addColumns adds columns missing from tables created by older versions.
func (s *sqliteStore) addColumns(ctx context.Context, table string, cols map[string]string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for name, def := range cols {
		if have[name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, def)); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) List(ctx context.Context) ([]marker.Marker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM markers ORDER BY id`)
	if err != nil {
		return nil, fault.Storage("storage.list", err)
	}
	defer rows.Close()

	var out []marker.Marker
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fault.Storage("storage.list", err)
		}
		var m marker.Marker
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fault.Storage("storage.list", fmt.Errorf("decode marker %s: %w", id, err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("storage.list", err)
	}
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (marker.Marker, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM markers WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return marker.Marker{}, fault.NotFound("storage.get", fmt.Errorf("marker %s not found", id))
	}
	if err != nil {
		return marker.Marker{}, fault.Storage("storage.get", err)
	}
	var m marker.Marker
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return marker.Marker{}, fault.Storage("storage.get", err)
	}
	return m, nil
}

func (s *sqliteStore) Add(ctx context.Context, m marker.Marker) (string, error) {
	m, err := prepareAdd(m)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fault.Storage("storage.add", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO markers(id, name, longitude, latitude, status, updated_at, body) VALUES(?,?,?,?,?,?,?)`,
		m.ID, m.Name, m.Coordinate.Longitude, m.Coordinate.Latitude, m.Status, m.UpdatedAt, string(body),
	)
	if err != nil {
		return "", fault.Storage("storage.add", err)
	}
	s.log.Info("marker added", logx.String("marker", m.ID))
	return m.ID, nil
}

func (s *sqliteStore) Update(ctx context.Context, m marker.Marker) error {
	m, err := prepareUpdate(m)
	if err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fault.Storage("storage.update", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE markers SET name=?, longitude=?, latitude=?, status=?, updated_at=?, body=? WHERE id=?`,
		m.Name, m.Coordinate.Longitude, m.Coordinate.Latitude, m.Status, m.UpdatedAt, string(body), m.ID,
	)
	if err != nil {
		return fault.Storage("storage.update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fault.NotFound("storage.update", fmt.Errorf("marker %s not found", m.ID))
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM markers WHERE id = ?`, id)
	if err != nil {
		return fault.Storage("storage.delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.log.Warn("delete of unknown marker ignored", logx.String("marker", id))
		return nil
	}
	s.log.Info("marker deleted", logx.String("marker", id))
	return nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, trigger, started_at, took_ms, status, processed, updated, no_data, failed, notified, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Trigger, r.StartedAt.UTC().Format(time.RFC3339Nano), r.TookMS, r.Status,
		r.Processed, r.Updated, r.NoData, r.Failed, r.Notified, nullStr(r.Error),
	)
	if err != nil {
		return fault.Storage("storage.append_run", err)
	}
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)`, maxRuns)
	return nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > maxRuns {
		limit = maxRuns
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger, started_at, took_ms, status, processed, updated, no_data, failed, notified, COALESCE(err, '')
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fault.Storage("storage.list_runs", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started string
		if err := rows.Scan(&r.ID, &r.Trigger, &started, &r.TookMS, &r.Status, &r.Processed, &r.Updated, &r.NoData, &r.Failed, &r.Notified, &r.Error); err != nil {
			return nil, fault.Storage("storage.list_runs", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Storage("storage.list_runs", err)
	}
	return out, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	if err != nil {
		return fault.Storage("storage.put_dedup", err)
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fault.Storage("storage.get_dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
