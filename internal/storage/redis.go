package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

// redisStore keeps markers in one hash (<prefix>:markers, field = id),
// runs in a capped list and dedup entries as expiring keys.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, fault.Configurationf("storage.open", "storage.redis.addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = "changeobserver"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fault.Storage("storage.open", err)
	}
	log.Info("redis store opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) markersKey() string        { return s.prefix + ":markers" }
func (s *redisStore) runsKey() string           { return s.prefix + ":runs" }
func (s *redisStore) dedupKey(key string) string { return s.prefix + ":dedup:" + key }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) List(ctx context.Context) ([]marker.Marker, error) {
	all, err := s.rdb.HGetAll(ctx, s.markersKey()).Result()
	if err != nil {
		return nil, fault.Storage("storage.list", err)
	}
	out := make([]marker.Marker, 0, len(all))
	for id, body := range all {
		var m marker.Marker
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fault.Storage("storage.list", fmt.Errorf("decode marker %s: %w", id, err))
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (marker.Marker, error) {
	body, err := s.rdb.HGet(ctx, s.markersKey(), id).Result()
	if errors.Is(err, redis.Nil) {
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

func (s *redisStore) Add(ctx context.Context, m marker.Marker) (string, error) {
	m, err := prepareAdd(m)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fault.Storage("storage.add", err)
	}
	ok, err := s.rdb.HSetNX(ctx, s.markersKey(), m.ID, body).Result()
	if err != nil {
		return "", fault.Storage("storage.add", err)
	}
	if !ok {
		return "", fault.Storage("storage.add", fmt.Errorf("marker id %s already exists", m.ID))
	}
	s.log.Info("marker added", logx.String("marker", m.ID))
	return m.ID, nil
}

func (s *redisStore) Update(ctx context.Context, m marker.Marker) error {
	m, err := prepareUpdate(m)
	if err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fault.Storage("storage.update", err)
	}
	n, err := updateIfExists.Run(ctx, s.rdb, []string{s.markersKey()}, m.ID, body).Int()
	if err != nil {
		return fault.Storage("storage.update", err)
	}
	if n == 0 {
		return fault.NotFound("storage.update", fmt.Errorf("marker %s not found", m.ID))
	}
	return nil
}

// updateIfExists overwrites a hash field only if it is still present, so an
// update racing a delete cannot bring the marker back.
var updateIfExists = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

func (s *redisStore) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.HDel(ctx, s.markersKey(), id).Result()
	if err != nil {
		return fault.Storage("storage.delete", err)
	}
	if n == 0 {
		s.log.Warn("delete of unknown marker ignored", logx.String("marker", id))
		return nil
	}
	s.log.Info("marker deleted", logx.String("marker", id))
	return nil
}

func (s *redisStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.ID == "" {
		r.ID = newID()
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fault.Storage("storage.append_run", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.runsKey(), body)
	pipe.LTrim(ctx, s.runsKey(), 0, maxRuns-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Storage("storage.append_run", err)
	}
	return nil
}

func (s *redisStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > maxRuns {
		limit = maxRuns
	}
	items, err := s.rdb.LRange(ctx, s.runsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fault.Storage("storage.list_runs", err)
	}
	out := make([]RunRecord, 0, len(items))
	for _, it := range items {
		var r RunRecord
		if err := json.Unmarshal([]byte(it), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err(); err != nil {
		return fault.Storage("storage.put_dedup", err)
	}
	return nil
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.rdb.Get(ctx, s.dedupKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fault.Storage("storage.get_dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}
