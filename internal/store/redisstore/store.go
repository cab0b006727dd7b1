// Package redisstore is the Redis implementation of the fetch store: link
// blobs, attempt ZSETs queried by trailing window, and result documents
// indexed per user.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/observability"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
)

type Option func(*Store)

func WithPoolSize(n int) Option {
	return func(s *Store) { s.opts.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(s *Store) { s.opts.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(s *Store) { s.opts.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) { s.opts.WriteTimeout = d }
}

// WithResultRetention bounds how long stale result documents are kept for
// guard-window fallback before Redis drops them.
func WithResultRetention(d time.Duration) Option {
	return func(s *Store) { s.resultRetention = d }
}

// WithAttemptRetention bounds the attempt log; it must exceed the budget window.
func WithAttemptRetention(d time.Duration) Option {
	return func(s *Store) { s.attemptRetention = d }
}

type Store struct {
	rdb              *redis.Client
	opts             *redis.Options
	resultRetention  time.Duration
	attemptRetention time.Duration
}

func New(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	s := &Store{
		opts: &redis.Options{
			Addr:         addr,
			PoolSize:     64,
			MinIdleConns: 4,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			MaintNotificationsConfig: &maintnotifications.Config{
				Mode: maintnotifications.ModeDisabled,
			},
		},
		resultRetention:  90 * 24 * time.Hour,
		attemptRetention: 7 * 24 * time.Hour,
	}
	for _, f := range opts {
		f(s)
	}

	s.rdb = redis.NewClient(s.opts)

	start := time.Now()
	err := s.rdb.Ping(ctx).Err()
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = s.rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

var _ store.Store = (*Store)(nil)

func keyLink(user string) string         { return "nhis:link:" + user }
func keyAttemptLast(user string) string  { return "nhis:att:last:" + user }
func keyResult(user, hash string) string { return "nhis:res:" + user + ":" + hash }
func keyResultIndex(user string) string  { return "nhis:res:idx:" + user }

func keyAttempts(user string, class store.AttemptClass) string {
	if class == store.AttemptForce {
		return "nhis:att:force:" + user
	}
	return "nhis:att:fresh:" + user
}

func (s *Store) GetLink(ctx context.Context, appUserID string) (*store.Link, error) {
	start := time.Now()
	raw, err := s.rdb.Get(ctx, keyLink(appUserID)).Bytes()
	observability.ObserveStoreOp("link_get", ignoreNil(err), time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET link %q: %w", appUserID, err)
	}
	var l store.Link
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode link %q: %w", appUserID, err)
	}
	return &l, nil
}

func (s *Store) PutLink(ctx context.Context, link store.Link) error {
	raw, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("encode link %q: %w", link.AppUserID, err)
	}
	start := time.Now()
	err = s.rdb.Set(ctx, keyLink(link.AppUserID), raw, 0).Err()
	observability.ObserveStoreOp("link_put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET link %q: %w", link.AppUserID, err)
	}
	return nil
}

func (s *Store) UpdateLink(ctx context.Context, appUserID string, patch store.LinkPatch) error {
	l, err := s.GetLink(ctx, appUserID)
	if err != nil {
		return err
	}
	l.Apply(patch, time.Now().UTC())
	return s.PutLink(ctx, *l)
}

func (s *Store) RecordAttempt(ctx context.Context, a store.Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	class := store.AttemptFresh
	if a.ForceRefresh {
		class = store.AttemptForce
	}
	zkey := keyAttempts(a.AppUserID, class)
	score := float64(a.At.UnixMilli())
	pruneBefore := float64(a.At.Add(-s.attemptRetention).UnixMilli())

	start := time.Now()
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, zkey, redis.Z{Score: score, Member: raw})
		p.ZRemRangeByScore(ctx, zkey, "-inf", formatScore(pruneBefore))
		p.Expire(ctx, zkey, s.attemptRetention)
		p.Set(ctx, keyAttemptLast(a.AppUserID), a.At.UTC().Format(time.RFC3339Nano), s.attemptRetention)
		return nil
	})
	observability.ObserveStoreOp("attempt_record", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis attempt record %q: %w", a.AppUserID, err)
	}
	return nil
}

func (s *Store) CountAttempts(ctx context.Context, appUserID string, since time.Time, class store.AttemptClass) (int, error) {
	min := formatScore(float64(since.UnixMilli()))
	start := time.Now()
	var total int64
	var err error
	if class == store.AttemptAny {
		var fresh, force int64
		fresh, err = s.rdb.ZCount(ctx, keyAttempts(appUserID, store.AttemptFresh), min, "+inf").Result()
		if err == nil {
			force, err = s.rdb.ZCount(ctx, keyAttempts(appUserID, store.AttemptForce), min, "+inf").Result()
		}
		total = fresh + force
	} else {
		total, err = s.rdb.ZCount(ctx, keyAttempts(appUserID, class), min, "+inf").Result()
	}
	observability.ObserveStoreOp("attempt_count", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis ZCOUNT attempts %q: %w", appUserID, err)
	}
	return int(total), nil
}

func (s *Store) OldestAttempt(ctx context.Context, appUserID string, since time.Time, class store.AttemptClass) (*time.Time, error) {
	min := formatScore(float64(since.UnixMilli()))
	start := time.Now()
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, keyAttempts(appUserID, class), &redis.ZRangeBy{
		Min: min, Max: "+inf", Count: 1,
	}).Result()
	observability.ObserveStoreOp("attempt_oldest", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYSCORE attempts %q: %w", appUserID, err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	t := time.UnixMilli(int64(zs[0].Score)).UTC()
	return &t, nil
}

func (s *Store) LatestAttempt(ctx context.Context, appUserID string) (*time.Time, error) {
	start := time.Now()
	raw, err := s.rdb.Get(ctx, keyAttemptLast(appUserID)).Result()
	observability.ObserveStoreOp("attempt_latest", ignoreNil(err), time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET last attempt %q: %w", appUserID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse last attempt %q: %w", appUserID, err)
	}
	return &t, nil
}

func (s *Store) SaveResult(ctx context.Context, r store.Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	start := time.Now()
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyResult(r.AppUserID, r.RequestHash), raw, s.resultRetention)
		p.SAdd(ctx, keyResultIndex(r.AppUserID), r.RequestHash)
		p.Expire(ctx, keyResultIndex(r.AppUserID), s.resultRetention)
		return nil
	})
	observability.ObserveStoreOp("result_save", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis result save %q: %w", r.AppUserID, err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, appUserID, requestHash string) (*store.Result, error) {
	start := time.Now()
	raw, err := s.rdb.Get(ctx, keyResult(appUserID, requestHash)).Bytes()
	observability.ObserveStoreOp("result_get", ignoreNil(err), time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET result %q: %w", appUserID, err)
	}
	var r store.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode result %q: %w", appUserID, err)
	}
	return &r, nil
}

func (s *Store) MarkResultHit(ctx context.Context, appUserID, requestHash string, at time.Time) error {
	r, err := s.GetResult(ctx, appUserID, requestHash)
	if err != nil {
		return err
	}
	r.HitCount++
	hit := at.UTC()
	r.LastHitAt = &hit
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	start := time.Now()
	err = s.rdb.Set(ctx, keyResult(appUserID, requestHash), raw, redis.KeepTTL).Err()
	observability.ObserveStoreOp("result_hit", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis result hit %q: %w", appUserID, err)
	}
	return nil
}

func (s *Store) ClearUserResults(ctx context.Context, appUserID string) error {
	start := time.Now()
	hashes, err := s.rdb.SMembers(ctx, keyResultIndex(appUserID)).Result()
	if err == nil {
		keys := make([]string, 0, len(hashes)+1)
		for _, h := range hashes {
			keys = append(keys, keyResult(appUserID, h))
		}
		keys = append(keys, keyResultIndex(appUserID))
		err = s.rdb.Del(ctx, keys...).Err()
	}
	observability.ObserveStoreOp("result_clear", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis result clear %q: %w", appUserID, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// redis.Nil is a miss, not a failed op
func ignoreNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
