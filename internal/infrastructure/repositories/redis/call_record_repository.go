package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

var _ ports.CallRecordStore = (*RedisCallRecordRepository)(nil)

// recordRetention bounds how long finished calls stay queryable.
const recordRetention = 30 * 24 * time.Hour

// RedisCallRecordRepository persists finished calls. Each record lives under
// its own key; per-conversation history is a sorted set scored by end time.
type RedisCallRecordRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisCallRecordRepository(client *redis.Client) *RedisCallRecordRepository {
	return &RedisCallRecordRepository{
		client: client,
		prefix: "callnet:call:",
	}
}

func (r *RedisCallRecordRepository) recordKey(id domain.CallID) string {
	return r.prefix + id.String()
}

func (r *RedisCallRecordRepository) historyKey(conversationID domain.ConversationID) string {
	return fmt.Sprintf("callnet:conversation:%s:calls", conversationID)
}

func (r *RedisCallRecordRepository) Insert(ctx context.Context, record *domain.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	key := r.recordKey(record.ID)
	if err := r.client.Set(ctx, key, data, recordRetention).Err(); err != nil {
		return fmt.Errorf("failed to store call record: %w", err)
	}

	historyKey := r.historyKey(record.ConversationID)
	if err := r.client.ZAdd(ctx, historyKey, redis.Z{
		Score:  float64(record.EndedAt.UnixMilli()),
		Member: record.ID.String(),
	}).Err(); err != nil {
		return fmt.Errorf("failed to index call record: %w", err)
	}
	r.client.Expire(ctx, historyKey, recordRetention)
	return nil
}

func (r *RedisCallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	data, err := r.client.Get(ctx, r.recordKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}

	var record domain.CallRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

// Recent returns up to limit finished calls for the conversation, newest
// first. Records whose key already expired are skipped and unindexed.
func (r *RedisCallRecordRepository) Recent(ctx context.Context, conversationID domain.ConversationID, limit int) ([]*domain.CallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	historyKey := r.historyKey(conversationID)
	ids, err := r.client.ZRevRange(ctx, historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call history: %w", err)
	}

	records := make([]*domain.CallRecord, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			r.client.ZRem(ctx, historyKey, idStr)
			continue
		}
		record, err := r.GetByID(ctx, id)
		if err != nil {
			r.client.ZRem(ctx, historyKey, idStr)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
