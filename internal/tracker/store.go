package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tunedrop/pipeline/internal/model"
)

// ErrAssetNotFound is returned when an asset record does not exist.
var ErrAssetNotFound = errors.New("asset not found")

// AssetStore persists asset records. Only the tracker writes to it.
type AssetStore interface {
	Get(ctx context.Context, id string) (*model.Asset, error)
	Save(ctx context.Context, asset *model.Asset) error
}

// RedisAssetStore keeps assets as JSON blobs under asset:<id>.
type RedisAssetStore struct {
	redis *redis.Client
}

func NewRedisAssetStore(redisClient *redis.Client) *RedisAssetStore {
	return &RedisAssetStore{redis: redisClient}
}

func (s *RedisAssetStore) Get(ctx context.Context, id string) (*model.Asset, error) {
	data, err := s.redis.Get(ctx, assetKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load asset %s: %w", id, err)
	}

	var asset model.Asset
	if err := json.Unmarshal(data, &asset); err != nil {
		return nil, fmt.Errorf("failed to decode asset %s: %w", id, err)
	}
	return &asset, nil
}

func (s *RedisAssetStore) Save(ctx context.Context, asset *model.Asset) error {
	data, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("failed to encode asset %s: %w", asset.ID, err)
	}
	if err := s.redis.Set(ctx, assetKey(asset.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save asset %s: %w", asset.ID, err)
	}
	return nil
}

func assetKey(id string) string {
	return "asset:" + id
}

// MemoryAssetStore is the in-memory store used in tests.
type MemoryAssetStore struct {
	mu     sync.RWMutex
	assets map[string]*model.Asset
}

func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{assets: make(map[string]*model.Asset)}
}

func (s *MemoryAssetStore) Get(ctx context.Context, id string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	return asset.Clone(), nil
}

func (s *MemoryAssetStore) Save(ctx context.Context, asset *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset.ID] = asset.Clone()
	return nil
}
