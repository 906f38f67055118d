package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"crowdbus/internal/bus"
)

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// CheckInterval is how often connectivity is probed with PING.
	CheckInterval time.Duration
}

// RedisStore keeps one hash per bus (<prefix>:<busID>) with a field per
// reporter, and publishes on a channel of the same name after every change.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	conn   *Connectivity

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis connects and verifies the server with a PING.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisWithClient(rdb, opts.KeyPrefix, opts.CheckInterval), nil
}

// NewRedisWithClient wraps an existing client and starts the connectivity probe.
func NewRedisWithClient(rdb *redis.Client, prefix string, checkInterval time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "liveLocation"
	}
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		conn:   NewConnectivity(true),
		cancel: cancel,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.probe(ctx, checkInterval)
	}()
	return s
}

func (s *RedisStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.rdb.Close()
}

func (s *RedisStore) Connectivity() *Connectivity { return s.conn }

func (s *RedisStore) key(busID string) string { return s.prefix + ":" + busID }

func (s *RedisStore) Upsert(ctx context.Context, busID, reporterID string, sample bus.GeoSample) error {
	b, err := encodeSample(sample)
	if err != nil {
		return err
	}
	key := s.key(busID)
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, reporterID, b)
		p.Publish(ctx, key, reporterID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w: %w", busID, reporterID, ErrTransient, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, busID, reporterID string) error {
	key := s.key(busID)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, key, reporterID)
		p.Publish(ctx, key, reporterID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w: %w", busID, reporterID, ErrTransient, err)
	}
	return nil
}

func (s *RedisStore) Snapshot(ctx context.Context, busID string) ([]bus.GeoSample, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(busID)).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w: %w", busID, ErrTransient, err)
	}
	out := make([]bus.GeoSample, 0, len(fields))
	for reporter, raw := range fields {
		if sample, ok := decodeSample(reporter, []byte(raw)); ok {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReporterID < out[j].ReporterID })
	return out, nil
}

// Subscribe must not have its unsubscribe func called from inside onChange or
// onError; both run on the subscription goroutine.
func (s *RedisStore) Subscribe(ctx context.Context, busID string, onChange ChangeFunc, onError ErrorFunc) (func(), error) {
	key := s.key(busID)
	ps := s.rdb.Subscribe(ctx, key)
	// wait for the subscription to be confirmed before the initial snapshot
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %w", busID, ErrTransient, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.deliver(subCtx, busID, onChange, onError)
		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
			}
			// collapse a burst of notifications into one snapshot read
		drain:
			for {
				select {
				case _, ok := <-msgs:
					if !ok {
						return
					}
				default:
					break drain
				}
			}
			s.deliver(subCtx, busID, onChange, onError)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				log.Debug().Err(err).Str("bus", busID).Msg("close redis subscription")
			}
			<-done
		})
	}, nil
}

func (s *RedisStore) deliver(ctx context.Context, busID string, onChange ChangeFunc, onError ErrorFunc) {
	snap, err := s.Snapshot(ctx, busID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	onChange(snap)
}

func (s *RedisStore) RemoveStale(ctx context.Context, busID string, olderThan time.Time) (int, error) {
	key := s.key(busID)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w: %w", busID, ErrTransient, err)
	}
	cutoff := olderThan.UnixMilli()
	var stale []string
	for reporter, raw := range fields {
		// entries without a usable time can never age out, so they go too
		if sample, ok := decodeSample(reporter, []byte(raw)); !ok || sample.Time < cutoff {
			stale = append(stale, reporter)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	var removed *redis.IntCmd
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.HDel(ctx, key, stale...)
		p.Publish(ctx, key, "")
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove stale %s: %w: %w", busID, ErrTransient, err)
	}
	return int(removed.Val()), nil
}

func (s *RedisStore) probe(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pctx, cancel := context.WithTimeout(ctx, every)
		err := s.rdb.Ping(pctx).Err()
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil && s.conn.Connected() {
			log.Warn().Err(err).Msg("redis connection lost")
		} else if err == nil && !s.conn.Connected() {
			log.Info().Msg("redis reconnected")
		}
		s.conn.Set(err == nil)
	}
}

var _ Store = (*RedisStore)(nil)
