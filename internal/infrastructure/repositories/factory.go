package repositories

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callnet/internal/core/ports"
	"callnet/internal/infrastructure/repositories/memory"
	redisrepo "callnet/internal/infrastructure/repositories/redis"
	"callnet/pkg/config"
)

// RepositoryFactory builds the storage layer. Active calls always live in
// memory (they wrap live sessions); call history needs redis and is simply
// absent without it.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	records     ports.CallRecordStore
	logger      *zap.SugaredLogger
}

const (
	recordBatchSize     = 50
	recordBatchInterval = 2 * time.Second
)

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to redis, call history disabled",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("redis connected")
		}
	}

	return factory, nil
}

// CreateCallRepository returns the active-call registry.
func (f *RepositoryFactory) CreateCallRepository() ports.CallRepository {
	return memory.NewMemoryCallRepository()
}

// CreateCallRecordStore returns the call-history store, or nil when redis
// is unavailable. Inserts are batched through one pipeline; the batcher is
// flushed and stopped by Close.
func (f *RepositoryFactory) CreateCallRecordStore() ports.CallRecordStore {
	if !f.useRedis || f.redisClient == nil {
		return nil
	}
	if f.records == nil {
		base := redisrepo.NewRedisCallRecordRepository(f.redisClient)
		f.records = redisrepo.NewBatchedRedisCallRecordRepository(base, recordBatchSize, recordBatchInterval)
	}
	return f.records
}

// CreateMessageStore returns the call-outcome message sink. Redis writes to
// the conversation timeline shared with the messaging backend; the memory
// variant keeps outcomes in process.
func (f *RepositoryFactory) CreateMessageStore() ports.MessageStore {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisMessageStore(f.redisClient)
	}
	return memory.NewMemoryMessageStore()
}

// CreateSenderKeyStore returns the group-encryption key source.
func (f *RepositoryFactory) CreateSenderKeyStore() ports.SenderKeyStore {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSenderKeyStore(f.redisClient)
	}
	return memory.NewMemorySenderKeyStore()
}

// RedisClient exposes the shared client for the presence registry and
// membership bus. Nil when redis is disabled.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if batched, ok := f.records.(*redisrepo.BatchedRedisCallRecordRepository); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := batched.Flush(ctx); err != nil {
			f.logger.Warnw("failed to flush pending call records", "error", err)
		}
		cancel()
		batched.Stop()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings redis when in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
