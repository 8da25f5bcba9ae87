package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"yuim/libs/core-push-go/pkg/event"
	"yuim/libs/core-push-go/pkg/push"
)

type Store struct {
	cfg push.RedisSettings
	cli *redis.Client
}

func New(cfg push.RedisSettings) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdle > 0 {
		opts.MinIdleConns = cfg.MinIdle
	}
	return &Store{cfg: cfg, cli: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client. Used when several components share
// one connection pool.
func NewWithClient(cli *redis.Client, cfg push.RedisSettings) *Store {
	return &Store{cfg: cfg, cli: cli}
}

func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.cli.Ping(ctx).Err() }

func (s *Store) Client() *redis.Client { return s.cli }

/*
Keys (all under cfg.KeyPrefix):
  - progress:{user_id}           HASH field={manga_id} value=ProgressRecord JSON
  - dedupe:event:{event_id}      STRING, SET NX with TTL
  - session:{token}              STRING, owned by the auth service; only EXISTS here
*/
func (s *Store) progressKey(userID string) string {
	return s.cfg.KeyPrefix + "progress:" + userID
}
func (s *Store) dedupeKey(eventID string) string {
	return s.cfg.KeyPrefix + "dedupe:event:" + eventID
}
func (s *Store) sessionKey(token string) string {
	return s.cfg.KeyPrefix + "session:" + token
}

// GetProgress returns the last accepted record for (userID, mangaID).
func (s *Store) GetProgress(ctx context.Context, userID, mangaID string) (event.Progress, bool, error) {
	v, err := s.cli.HGet(ctx, s.progressKey(userID), mangaID).Result()
	if errors.Is(err, redis.Nil) {
		return event.Progress{}, false, nil
	}
	if err != nil {
		return event.Progress{}, false, err
	}
	p, err := DecodeProgress(v)
	if err != nil {
		return event.Progress{}, false, err
	}
	return p, true, nil
}

func (s *Store) PutProgress(ctx context.Context, p event.Progress) error {
	if p.UserID == "" || p.MangaID == "" {
		return push.ErrInvalidArgument
	}
	v, err := EncodeProgress(p)
	if err != nil {
		return err
	}
	return s.cli.HSet(ctx, s.progressKey(p.UserID), p.MangaID, v).Err()
}

// DedupeMsg returns true if eventID is seen for the first time within ttl.
// It uses SET NX to provide consumer-side idempotency.
func (s *Store) DedupeMsg(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, push.ErrInvalidArgument
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.cli.SetNX(ctx, s.dedupeKey(eventID), "1", ttl).Result()
}

func (s *Store) ForgetMsg(ctx context.Context, eventID string) error {
	if eventID == "" {
		return push.ErrInvalidArgument
	}
	return s.cli.Del(ctx, s.dedupeKey(eventID)).Err()
}

// SessionExists reports whether the auth service still holds a session for token.
// A missing key means the token was revoked (logout, password change).
func (s *Store) SessionExists(ctx context.Context, token string) (bool, error) {
	n, err := s.cli.Exists(ctx, s.sessionKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// stored is the persisted shape; Username and MangaTitle are not part of the record.
type stored struct {
	Chapter   int                 `json:"chapter"`
	Status    event.ReadingStatus `json:"status"`
	Timestamp int64               `json:"ts"`
	UserID    string              `json:"user_id"`
	MangaID   string              `json:"manga_id"`
}

func EncodeProgress(p event.Progress) (string, error) {
	b, err := json.Marshal(stored{
		Chapter:   p.Chapter,
		Status:    p.Status,
		Timestamp: p.Timestamp.UnixMilli(),
		UserID:    p.UserID,
		MangaID:   p.MangaID,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeProgress(v string) (event.Progress, error) {
	var st stored
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return event.Progress{}, fmt.Errorf("redis: decode progress: %w", err)
	}
	return event.Progress{
		UserID:    st.UserID,
		MangaID:   st.MangaID,
		Chapter:   st.Chapter,
		Status:    st.Status,
		Timestamp: time.UnixMilli(st.Timestamp).UTC(),
	}, nil
}
