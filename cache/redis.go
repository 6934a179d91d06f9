package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps caches in a redis server.
// Cache names live in a sorted set scored by creation sequence,
// every cache is a pair of hashes (snapshot bytes and store times) keyed by request URL.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to the redis server at addr.
// All keys written are prefixed with prefix, so several deployments can share a server.
func NewRedisStorage(ctx context.Context, addr, prefix string) (RedisStorage, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return RedisStorage{}, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return RedisStorage{client: client, prefix: prefix}, nil
}

func (s RedisStorage) namesKey() string {
	return s.prefix + "names"
}

func (s RedisStorage) seqKey() string {
	return s.prefix + "seq"
}

func (s RedisStorage) bytesKey(name string) string {
	return s.prefix + "cache:" + name
}

func (s RedisStorage) storedAtKey(name string) string {
	return s.prefix + "stored:" + name
}

func (s RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if ok, err := s.Has(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	} else if ok {
		return redisCache{storage: s, name: name}, nil
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	if err := s.client.ZAddNX(ctx, s.namesKey(), redis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return redisCache{storage: s, name: name}, nil
}

func (s RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.ZScore(ctx, s.namesKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.namesKey(), name)
		pipe.Del(ctx, s.bytesKey(name), s.storedAtKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s RedisStorage) Names(ctx context.Context) ([]string, error) {
	return s.client.ZRange(ctx, s.namesKey(), 0, -1).Result()
}

func (s RedisStorage) Close() error {
	return s.client.Close()
}

type redisCache struct {
	storage RedisStorage
	name    string
}

func (c redisCache) Name() string {
	return c.name
}

func (c redisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	bytes, err := c.storage.client.HGet(ctx, c.storage.bytesKey(c.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry := Entry{Key: key, Bytes: bytes}
	// a missing store time is not fatal, the snapshot is still usable
	if storedAt, err := c.storage.client.HGet(ctx, c.storage.storedAtKey(c.name), key).Int64(); err == nil {
		entry.StoredAt = time.UnixMilli(storedAt)
	}
	return entry, true, nil
}

func (c redisCache) Put(ctx context.Context, entry Entry) error {
	return c.PutAll(ctx, []Entry{entry})
}

func (c redisCache) PutAll(ctx context.Context, entries []Entry) error {
	if ok, err := c.storage.Has(ctx, c.name); err != nil || !ok {
		return err
	}
	_, err := c.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entries {
			pipe.HSet(ctx, c.storage.bytesKey(c.name), entry.Key, entry.Bytes)
			pipe.HSet(ctx, c.storage.storedAtKey(c.name), entry.Key, strconv.FormatInt(entry.StoredAt.UnixMilli(), 10))
		}
		return nil
	})
	return err
}

func (c redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.storage.client.HKeys(ctx, c.storage.bytesKey(c.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (c redisCache) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := c.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, c.storage.bytesKey(c.name), key)
		pipe.HDel(ctx, c.storage.storedAtKey(c.name), key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}
