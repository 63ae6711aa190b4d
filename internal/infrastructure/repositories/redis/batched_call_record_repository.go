package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/batch"
)

var _ ports.CallRecordStore = (*BatchedRedisCallRecordRepository)(nil)

// RedisOperation is one batched write against redis.
type RedisOperation struct {
	Type   string // "set", "zadd", "expire"
	Key    string
	Value  interface{}
	Score  float64
	TTL    time.Duration
	client *redis.Client
}

// Execute runs the operation on its own, outside a batch.
func (op *RedisOperation) Execute(ctx context.Context) error {
	switch op.Type {
	case "set":
		data, ok := op.Value.([]byte)
		if !ok {
			return fmt.Errorf("invalid value type for set operation")
		}
		return op.client.Set(ctx, op.Key, data, op.TTL).Err()
	case "zadd":
		member, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("invalid value type for zadd operation")
		}
		return op.client.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: member}).Err()
	case "expire":
		return op.client.Expire(ctx, op.Key, op.TTL).Err()
	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

// RedisBatchProcessor flushes batched operations through one pipeline.
type RedisBatchProcessor struct {
	client *redis.Client
}

func (p *RedisBatchProcessor) ProcessBatch(ctx context.Context, operations []batch.Operation) error {
	if len(operations) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, op := range operations {
		redisOp, ok := op.(*RedisOperation)
		if !ok {
			continue
		}
		switch redisOp.Type {
		case "set":
			if data, ok := redisOp.Value.([]byte); ok {
				pipe.Set(ctx, redisOp.Key, data, redisOp.TTL)
			}
		case "zadd":
			if member, ok := redisOp.Value.(string); ok {
				pipe.ZAdd(ctx, redisOp.Key, redis.Z{Score: redisOp.Score, Member: member})
			}
		case "expire":
			pipe.Expire(ctx, redisOp.Key, redisOp.TTL)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// BatchedRedisCallRecordRepository coalesces record inserts into pipelined
// writes. Reads stay immediate; a record inserted moments ago may not be
// visible until the next flush.
type BatchedRedisCallRecordRepository struct {
	baseRepo *RedisCallRecordRepository
	batcher  *batch.Batcher
}

func NewBatchedRedisCallRecordRepository(
	baseRepo *RedisCallRecordRepository,
	batchSize int,
	batchInterval time.Duration,
) *BatchedRedisCallRecordRepository {
	processor := &RedisBatchProcessor{client: baseRepo.client}
	return &BatchedRedisCallRecordRepository{
		baseRepo: baseRepo,
		batcher:  batch.NewBatcher(batchSize, batchInterval, processor),
	}
}

func (r *BatchedRedisCallRecordRepository) Insert(ctx context.Context, record *domain.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	if err := r.batcher.Add(&RedisOperation{
		Type:   "set",
		Key:    r.baseRepo.recordKey(record.ID),
		Value:  data,
		TTL:    recordRetention,
		client: r.baseRepo.client,
	}); err != nil {
		return err
	}

	historyKey := r.baseRepo.historyKey(record.ConversationID)
	if err := r.batcher.Add(&RedisOperation{
		Type:   "zadd",
		Key:    historyKey,
		Value:  record.ID.String(),
		Score:  float64(record.EndedAt.UnixMilli()),
		client: r.baseRepo.client,
	}); err != nil {
		return err
	}
	return r.batcher.Add(&RedisOperation{
		Type:   "expire",
		Key:    historyKey,
		TTL:    recordRetention,
		client: r.baseRepo.client,
	})
}

func (r *BatchedRedisCallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	return r.baseRepo.GetByID(ctx, id)
}

func (r *BatchedRedisCallRecordRepository) Recent(ctx context.Context, conversationID domain.ConversationID, limit int) ([]*domain.CallRecord, error) {
	return r.baseRepo.Recent(ctx, conversationID, limit)
}

// Flush forces pending writes out, used by tests and shutdown.
func (r *BatchedRedisCallRecordRepository) Flush(ctx context.Context) error {
	return r.batcher.Flush(ctx)
}

func (r *BatchedRedisCallRecordRepository) Stop() {
	r.batcher.Stop()
}
