// =============================================================================
// 📦 memstore 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Breaker:   DefaultBreakerConfig(),
		Pool:      DefaultPoolConfig(),
		Cache:     DefaultCacheConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Sync:      DefaultSyncConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultBreakerConfig 返回默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxAttempts: 3,
		BackoffMultiplier:   2.0,
		MaxTimeout:          5 * time.Minute,
	}
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:  10,
		MinConnections:  2,
		AcquireTimeout:  5 * time.Second,
		IdleTimeout:     10 * time.Minute,
		ConnMaxLifetime: time.Hour,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultCacheConfig 返回默认本地缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:      1000,
		DefaultTTL:      time.Hour,
		CleanupInterval: 5 * time.Minute,
		Shards:          16,
	}
}

// DefaultRedisConfig 返回默认远端缓存层配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		KeyPrefix:    "memstore:",
		PoolSize:     10,
		MinIdleConns: 2,
		TLS:          false,
		TTL:          time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认持久化后端配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:         "sqlite",
		DSN:            "memstore.db",
		CallTimeout:    10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1600 * time.Millisecond,
	}
}

// DefaultSyncConfig 返回默认同步协调器配置
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		ReconcileInterval: 5 * time.Minute,
		BatchSize:         100,
		FlushRate:         50,
		FlushBurst:        10,
		FlushWorkers:      4,
		CacheTTL:          time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "memstore",
		SampleRate:   1.0,
	}
}
