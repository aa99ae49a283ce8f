// Package redistore persists job records in Redis so results survive
// process restarts and can be polled from any node. Records are stored as
// JSON under a common key prefix with a server-side TTL as a backstop for
// sweeps that never ran.
package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/toolwire/toolwire/jobs"
)

// Config for the Redis job store. Fields can be populated from the
// environment via NewFromEnv.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: JOBS_KEY_PREFIX
	KeyPrefix string `env:"JOBS_KEY_PREFIX,default=toolwire:jobs:"`
	// RecordTTL bounds how long Redis keeps a record regardless of
	// sweeps. ENV: JOBS_RECORD_TTL
	RecordTTL time.Duration `env:"JOBS_RECORD_TTL,default=24h"`
}

// Store is a Redis-backed jobs.Persistence.
type Store struct {
	client    *redis.Client
	keyPrefix string
	recordTTL time.Duration
}

var _ jobs.Persistence = (*Store)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "toolwire:jobs:"
	}
	ttl := cfg.RecordTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, recordTTL: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) jobKey(jobID string) string { return s.keyPrefix + "job:" + jobID }

// Save upserts the record for job.ID, refreshing its TTL.
func (s *Store) Save(ctx context.Context, job jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), data, s.recordTTL).Err(); err != nil {
		return fmt.Errorf("set job %s: %w", job.ID, err)
	}
	return nil
}

// Load returns the record for jobID, or jobs.ErrNotFound.
func (s *Store) Load(ctx context.Context, jobID string) (jobs.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return jobs.Job{}, jobs.ErrNotFound
		}
		return jobs.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return jobs.Job{}, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return job, nil
}

// List scans for every stored record.
func (s *Store) List(ctx context.Context) ([]jobs.Job, error) {
	keys, err := s.scanKeys(ctx, s.keyPrefix+"job:*")
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}

	out := make([]jobs.Job, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var job jobs.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", key, err)
		}
		out = append(out, job)
	}
	return out, nil
}

// Delete removes the record for jobID. Deleting an absent record is not
// an error.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.jobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("del job %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
