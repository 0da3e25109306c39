package component

import (
	"context"

	"github.com/dgurram/decoy/internal/cache"
	"github.com/dgurram/decoy/internal/cache/freecache"
	"github.com/dgurram/decoy/internal/cache/jetstream"
	"github.com/dgurram/decoy/internal/cache/redis"
	"github.com/dgurram/decoy/internal/queue"
	jq "github.com/dgurram/decoy/internal/queue/jetstream"
	"github.com/dgurram/decoy/internal/storage"
	"github.com/dgurram/decoy/internal/storage/minio"
)

func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		return redis.NewRedisCacheClient(ctx)
	case "jetstream":
		return jetstream.NewJetStreamCacheClient()
	default:
		return freecache.NewFreeCache()
	}
}

func GetQueue(qType string) (queue.Queue, error) {
	switch qType {
	default:
		return jq.NewJetStreamQueueClient()
	}
}

func GetStorage(storageType string) (storage.Storage, error) {
	switch storageType {
	default:
		return minio.NewMinioClient()
	}
}
