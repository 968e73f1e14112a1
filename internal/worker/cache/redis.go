package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	redisKeyPrefix   = "stagehand:cache:"
	redisVersionsKey = redisKeyPrefix + "!versions"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisStore struct {
	client valkey.Client
}

// NewRedis connects a redis-protocol store so several gateway processes on
// the same profile can share one cache.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisStore{client: client}, nil
}

func entryKey(version, key string) string {
	return redisKeyPrefix + version + ":" + key
}

func keySetKey(version string) string {
	return redisKeyPrefix + version + ":!keys"
}

func (s *redisStore) Open(ctx context.Context, version string) error {
	cmd := s.client.B().Sadd().Key(redisVersionsKey).Member(version).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis open version: %w", err)
	}
	return nil
}

func (s *redisStore) Put(ctx context.Context, version, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	set := s.client.B().Set().Key(entryKey(version, key)).Value(string(payload)).Build()
	if err := s.client.Do(ctx, set).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	track := s.client.B().Sadd().Key(keySetKey(version)).Member(key).Build()
	if err := s.client.Do(ctx, track).Error(); err != nil {
		return fmt.Errorf("cache: redis track key: %w", err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, version, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(entryKey(version, key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *redisStore) Keys(ctx context.Context, version string) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(keySetKey(version)).Build())
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("cache: redis keys: %w", err)
	}
	keys, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis keys decode: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Versions(ctx context.Context) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(redisVersionsKey).Build())
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("cache: redis versions: %w", err)
	}
	versions, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis versions decode: %w", err)
	}
	sort.Strings(versions)
	return versions, nil
}

func (s *redisStore) Delete(ctx context.Context, version string) error {
	keys, err := s.Keys(ctx, version)
	if err != nil {
		return err
	}
	targets := make([]string, 0, len(keys)+2)
	for _, key := range keys {
		targets = append(targets, entryKey(version, key))
	}
	targets = append(targets, keySetKey(version))
	del := s.client.B().Del().Key(targets...).Build()
	if err := s.client.Do(ctx, del).Error(); err != nil {
		return fmt.Errorf("cache: redis delete entries: %w", err)
	}
	srem := s.client.B().Srem().Key(redisVersionsKey).Member(version).Build()
	if err := s.client.Do(ctx, srem).Error(); err != nil {
		return fmt.Errorf("cache: redis delete version: %w", err)
	}
	return nil
}

func (s *redisStore) Size(ctx context.Context, version string) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Scard().Key(keySetKey(version)).Build())
	size, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis size: %w", err)
	}
	return size, nil
}

func (s *redisStore) Close(_ context.Context) error {
	s.client.Close()
	return nil
}
