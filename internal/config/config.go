package config

import (
	"fmt"
	"os"
	"strconv"
)

type NatsConfig struct {
	URL string
}

type NatsCacheConfig struct {
	TTL               int
	BUCKET_NAME       string
	BUCKET_SIZE_BYTES int
}

type NatsQueueConfig struct {
	MAX_MESSAGES_JOB_QUEUE int
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL         string
	JOBS_BUCKET string
	ACCESS_KEY  string
	SECRET_KEY  string
	USE_SSL     bool
}

type PostgresConfig struct {
	URL string
}

type ServerConfig struct {
	PORT                 string
	LIMITER_QUEUE_SIZE   int
	LIMITER_MAX_INFLIGHT int
}

type DispatchConfig struct {
	MAX_CONCURRENCY      int
	PLATFORM_CONCURRENCY int
	MAX_ATTEMPTS         int
	INVOKE_TIMEOUT_SEC   int
	BURST_LIMIT          int
	BURST_WINDOW_SEC     int
}

type SupervisorConfig struct {
	RUN_DIR             string
	WORKER_IMAGE        string
	RUNTIME_BACKEND     string
	RUNTIME             string
	SECCOMP_PROFILE     string
	AGENT_TRANSPORT     string
	HEALTH_INTERVAL_SEC int
	RESTART_STORM_LIMIT int
	CPU_QUOTA           int
	MEMORY_LIMIT_BYTES  int
	PIDS_LIMIT          int
}

type RegistryConfig struct {
	FAILURE_THRESHOLD int
}

type TrackerConfig struct {
	MAX_NUMBERS_PER_JOB int
}

type AgentConfig struct {
	TRANSPORT   string
	SOCKET_PATH string
	PORT        string
	DRIVER      string
}

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	CACHE_TYPE   string
	QUEUE_TYPE   string
	STORAGE_TYPE string
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	return &NatsConfig{
		URL: url,
	}, nil
}

func GetNatsCacheConfig() (*NatsCacheConfig, error) {
	ttl, err := convertStringToInt(env("JETSTREAM_TTL"), "JETSTREAM_TTL")
	if err != nil {
		return nil, err
	}
	bn := env("JETSTREAM_BUCKET_NAME")
	if bn == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_BUCKET_NAME is empty")
	}
	bs, err := convertStringToInt(env("JETSTREAM_BUCKET_SIZE"), "JETSTREAM_BUCKET_SIZE")
	if err != nil {
		return nil, err
	}
	return &NatsCacheConfig{
		TTL:               ttl,
		BUCKET_NAME:       bn,
		BUCKET_SIZE_BYTES: bs,
	}, nil
}

func GetNatsQueueConfig() (*NatsQueueConfig, error) {
	mm, err := convertStringToInt(env("MAX_MESSAGES_JOB_QUEUE"), "MAX_MESSAGES_JOB_QUEUE")
	if err != nil {
		return nil, err
	}
	return &NatsQueueConfig{
		MAX_MESSAGES_JOB_QUEUE: mm,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(env("FREECACHE_TTL"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(env("FREECACHE_SIZE"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	turl := env("TRACE_URL")
	ct := env("CACHE_TYPE")
	if ct == "" {
		return nil, fmt.Errorf("KEY: CACHE_TYPE is empty")
	}
	qt := env("QUEUE_TYPE")
	if qt == "" {
		return nil, fmt.Errorf("KEY: QUEUE_TYPE is empty")
	}
	st := env("STORAGE_TYPE")
	if st == "" {
		return nil, fmt.Errorf("KEY: STORAGE_TYPE is empty")
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    turl,
		CACHE_TYPE:   ct,
		QUEUE_TYPE:   qt,
		STORAGE_TYPE: st,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	jb := env("MINIO_JOBS_BUCKET")
	if jb == "" {
		return nil, fmt.Errorf("KEY: MINIO_JOBS_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:         url,
		JOBS_BUCKET: jb,
		USE_SSL:     ssl == "true",
		ACCESS_KEY:  ak,
		SECRET_KEY:  sk,
	}, nil
}

func GetServerConfig() (*ServerConfig, error) {
	port := env("SERVER_PORT")
	if port == "" {
		return nil, fmt.Errorf("KEY: SERVER_PORT is empty")
	}
	qs, err := convertStringToInt(env("LIMITER_QUEUE_SIZE"), "LIMITER_QUEUE_SIZE")
	if err != nil {
		return nil, err
	}
	mi, err := convertStringToInt(env("LIMITER_MAX_INFLIGHT"), "LIMITER_MAX_INFLIGHT")
	if err != nil {
		return nil, err
	}
	return &ServerConfig{
		PORT:                 port,
		LIMITER_QUEUE_SIZE:   qs,
		LIMITER_MAX_INFLIGHT: mi,
	}, nil
}

func GetDispatchConfig() (*DispatchConfig, error) {
	mc, err := convertStringToInt(env("MAX_CONCURRENCY"), "MAX_CONCURRENCY")
	if err != nil {
		return nil, err
	}
	pc, err := convertStringToInt(env("PLATFORM_CONCURRENCY"), "PLATFORM_CONCURRENCY")
	if err != nil {
		return nil, err
	}
	ma, err := convertStringToInt(env("MAX_ATTEMPTS"), "MAX_ATTEMPTS")
	if err != nil {
		return nil, err
	}
	it, err := convertStringToInt(env("INVOKE_TIMEOUT_SEC"), "INVOKE_TIMEOUT_SEC")
	if err != nil {
		return nil, err
	}
	bl, err := convertStringToInt(env("BURST_LIMIT"), "BURST_LIMIT")
	if err != nil {
		return nil, err
	}
	bw, err := convertStringToInt(env("BURST_WINDOW_SEC"), "BURST_WINDOW_SEC")
	if err != nil {
		return nil, err
	}
	return &DispatchConfig{
		MAX_CONCURRENCY:      mc,
		PLATFORM_CONCURRENCY: pc,
		MAX_ATTEMPTS:         ma,
		INVOKE_TIMEOUT_SEC:   it,
		BURST_LIMIT:          bl,
		BURST_WINDOW_SEC:     bw,
	}, nil
}

func GetSupervisorConfig() (*SupervisorConfig, error) {
	rd := env("RUN_DIR")
	if rd == "" {
		return nil, fmt.Errorf("KEY: RUN_DIR is empty")
	}
	wi := env("WORKER_IMAGE")
	if wi == "" {
		return nil, fmt.Errorf("KEY: WORKER_IMAGE is empty")
	}
	rb := env("RUNTIME_BACKEND")
	if rb == "" {
		return nil, fmt.Errorf("KEY: RUNTIME_BACKEND is empty")
	}
	rt := env("RUNTIME")
	if rt == "" {
		return nil, fmt.Errorf("KEY: RUNTIME is empty")
	}
	sp := env("SECCOMP_PROFILE")
	if sp == "" {
		return nil, fmt.Errorf("KEY: SECCOMP_PROFILE is empty")
	}
	at := env("AGENT_TRANSPORT")
	if at == "" {
		return nil, fmt.Errorf("KEY: AGENT_TRANSPORT is empty")
	}
	hi, err := convertStringToInt(env("HEALTH_INTERVAL_SEC"), "HEALTH_INTERVAL_SEC")
	if err != nil {
		return nil, err
	}
	rsl, err := convertStringToInt(env("RESTART_STORM_LIMIT"), "RESTART_STORM_LIMIT")
	if err != nil {
		return nil, err
	}
	cq, err := convertStringToInt(env("CPU_QUOTA"), "CPU_QUOTA")
	if err != nil {
		return nil, err
	}
	ml, err := convertStringToInt(env("MEMORY_LIMIT_BYTES"), "MEMORY_LIMIT_BYTES")
	if err != nil {
		return nil, err
	}
	pl, err := convertStringToInt(env("PIDS_LIMIT"), "PIDS_LIMIT")
	if err != nil {
		return nil, err
	}
	return &SupervisorConfig{
		RUN_DIR:             rd,
		WORKER_IMAGE:        wi,
		RUNTIME_BACKEND:     rb,
		RUNTIME:             rt,
		SECCOMP_PROFILE:     sp,
		AGENT_TRANSPORT:     at,
		HEALTH_INTERVAL_SEC: hi,
		RESTART_STORM_LIMIT: rsl,
		CPU_QUOTA:           cq,
		MEMORY_LIMIT_BYTES:  ml,
		PIDS_LIMIT:          pl,
	}, nil
}

func GetRegistryConfig() (*RegistryConfig, error) {
	ft, err := convertStringToInt(env("FAILURE_THRESHOLD"), "FAILURE_THRESHOLD")
	if err != nil {
		return nil, err
	}
	return &RegistryConfig{
		FAILURE_THRESHOLD: ft,
	}, nil
}

func GetTrackerConfig() (*TrackerConfig, error) {
	mn, err := convertStringToInt(env("MAX_NUMBERS_PER_JOB"), "MAX_NUMBERS_PER_JOB")
	if err != nil {
		return nil, err
	}
	return &TrackerConfig{
		MAX_NUMBERS_PER_JOB: mn,
	}, nil
}

// GetAgentConfig reads the environment the supervisor injects at container
// create time, so the keys are unprefixed.
func GetAgentConfig() (*AgentConfig, error) {
	tr := env("TRANSPORT")
	if tr != "tcp" && tr != "uds" {
		return nil, fmt.Errorf("KEY: TRANSPORT is invalid")
	}

	cfg := &AgentConfig{
		TRANSPORT: tr,
		DRIVER:    env("DRIVER"),
	}
	if cfg.DRIVER == "" {
		cfg.DRIVER = "static"
	}

	switch tr {
	case "uds":
		cfg.SOCKET_PATH = env("SOCKET_PATH")
		if cfg.SOCKET_PATH == "" {
			return nil, fmt.Errorf("KEY: SOCKET_PATH is empty")
		}
	case "tcp":
		cfg.PORT = env("PORT")
		if cfg.PORT == "" {
			return nil, fmt.Errorf("KEY: PORT is empty")
		}
	}
	return cfg, nil
}
