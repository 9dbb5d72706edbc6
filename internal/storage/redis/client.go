// Package redis 封装协调器用到的 Redis 能力：
// 连接管理、审计事件发布通道、充电桩状态快照缓存。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/gridwise-code/ev-central/internal/config"
	"github.com/gridwise-code/ev-central/internal/coremodel"
)

// Client Redis客户端封装
type Client struct {
	*redis.Client
}

// NewClient 创建客户端并在初始化时探活
func NewClient(cfg cfgpkg.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: rdb}, nil
}

// Close 关闭连接
func (c *Client) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

const snapshotKey = "evcentral:cp:snapshot"

// SnapshotStore 充电桩状态快照缓存。注册表巡检周期性刷新，
// 供外部面板读取，避免直接打到协调器进程。
type SnapshotStore struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(client *Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SnapshotStore{client: client, ttl: ttl}
}

// Save 覆盖写入全量快照
func (s *SnapshotStore) Save(ctx context.Context, views []coremodel.CPView) error {
	fields := make(map[string]any, len(views))
	for _, v := range views {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal cp view %s: %w", v.ID, err)
		}
		fields[string(v.ID)] = data
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, snapshotKey)
	if len(fields) > 0 {
		pipe.HSet(ctx, snapshotKey, fields)
	}
	pipe.Expire(ctx, snapshotKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis snapshot save: %w", err)
	}
	return nil
}

// Load 读取全量快照
func (s *SnapshotStore) Load(ctx context.Context) ([]coremodel.CPView, error) {
	raw, err := s.client.HGetAll(ctx, snapshotKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot load: %w", err)
	}
	views := make([]coremodel.CPView, 0, len(raw))
	for id, data := range raw {
		var v coremodel.CPView
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal cp view %s: %w", id, err)
		}
		views = append(views, v)
	}
	return views, nil
}
