package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgurram/decoy/internal/cache"
	credis "github.com/dgurram/decoy/internal/component/redis"
	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/job_tracer"
	"github.com/dgurram/decoy/internal/service/logger"
	"github.com/dgurram/decoy/internal/util"
)

type RedisCacheClient struct {
	client *redis.Client
	ttl    int
}

var (
	rcc       *RedisCacheClient
	once      sync.Once
	initError error
)

func NewRedisCacheClient(ctx context.Context) (cache.Cache, error) {
	once.Do(func() {
		client, err := credis.NewRedisClient(ctx)
		if err != nil {
			initError = err
			return
		}
		cfg, err := config.GetRedisConfig()
		if err != nil {
			initError = err
			return
		}
		rcc = &RedisCacheClient{
			client: client,
			ttl:    cfg.TTL,
		}
	})
	if initError != nil {
		return nil, initError
	}
	return rcc, nil
}

func (r *RedisCacheClient) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Redis/Put")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		err := fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	err = r.client.Set(ctx, key, b, time.Duration(ttl)*time.Second).Err()
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// value must be non-nil pointer to destination type
func (r *RedisCacheClient) Get(ctx context.Context, key string, value interface{}) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Redis/Get")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	err = msgpack.Unmarshal(val, value)
	if err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCacheClient) GetDefaultTTL() int {
	return r.ttl
}

func (r *RedisCacheClient) ShutDown(ctx context.Context) {
	if err := r.client.Close(); err != nil {
		logger.Log.Err(err).Msg("unable to close redis connection")
	}
}
