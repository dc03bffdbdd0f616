package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatusStore 把入库记录镜像到 Redis Hash，供其他实例查询
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusStore 创建状态镜像；client 为 nil 时返回 nil
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStatusStore{client: client, ttl: ttl}
}

func (s *RedisStatusStore) statusKey(fileID string) string {
	return fmt.Sprintf("rag:status:%s", fileID)
}

// Save 写入记录并刷新过期时间
func (s *RedisStatusStore) Save(ctx context.Context, record ProcessingRecord) error {
	key := s.statusKey(record.FileID)
	data := map[string]interface{}{
		"file_id":    record.FileID,
		"filename":   record.Filename,
		"status":     string(record.Status),
		"num_chunks": record.NumChunks,
		"error":      record.Error,
		"started_at": record.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	if err := s.client.HSet(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to store status to redis: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set TTL for status: %w", err)
	}
	return nil
}

// Load 读取记录，不存在时返回 nil, nil
func (s *RedisStatusStore) Load(ctx context.Context, fileID string) (*ProcessingRecord, error) {
	data, err := s.client.HGetAll(ctx, s.statusKey(fileID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	record := &ProcessingRecord{
		FileID:   data["file_id"],
		Filename: data["filename"],
		Status:   ProcessingStatus(data["status"]),
		Error:    data["error"],
	}
	if v, err := strconv.Atoi(data["num_chunks"]); err == nil {
		record.NumChunks = v
	}
	if t, err := time.Parse(time.RFC3339Nano, data["started_at"]); err == nil {
		record.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updated_at"]); err == nil {
		record.UpdatedAt = t
	}
	return record, nil
}
