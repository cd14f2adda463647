package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	ETCD      ETCDConfig      `mapstructure:"etcd"`
	GraphQL   GraphQLConfig   `mapstructure:"graphql"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	// 启动时自动建表
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	// 供应量缓存Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SupplyTTL   time.Duration `mapstructure:"supply_ttl"`

	// Redlock使用的Redis节点
	LockAddresses  []string `mapstructure:"lock_addresses"`
	LockRetryCount int      `mapstructure:"lock_retry_count"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	ReplayTopic string   `mapstructure:"replay_topic"`
	GroupID     string   `mapstructure:"group_id"`
	Workers     int      `mapstructure:"workers"`
	// 重放超过该次数后放弃，交由回填或对账修复
	MaxAttempts int `mapstructure:"max_attempts"`
	// 第 n 次重放在失败后 n*ReplayDelay 执行
	ReplayDelay time.Duration `mapstructure:"replay_delay"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LedgerConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	WSURL           string        `mapstructure:"ws_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	StartBlock      uint64        `mapstructure:"start_block"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	BackfillChunk   uint64        `mapstructure:"backfill_chunk"`
	ReconnectMin    time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max"`
}

type IngestConfig struct {
	Workers         int  `mapstructure:"workers"`
	BackfillOnStart bool `mapstructure:"backfill_on_start"`
}

type ReconcileConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	SupplySchedule     string        `mapstructure:"supply_schedule"`
	ProjectionSchedule string        `mapstructure:"projection_schedule"`
	LockBackend        string        `mapstructure:"lock_backend"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const (
	LockBackendEtcd  = "etcd"
	LockBackendRedis = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.supply_ttl", 5*time.Minute)
	v.SetDefault("redis.lock_retry_count", 3)
	v.SetDefault("kafka.replay_topic", "ticketsync.replay")
	v.SetDefault("kafka.group_id", "ticketsync")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.replay_delay", 30*time.Second)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)
	v.SetDefault("etcd.session_ttl", 10*time.Second)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("ledger.request_timeout", 10*time.Second)
	v.SetDefault("ledger.backfill_chunk", 5000)
	v.SetDefault("ledger.reconnect_min", time.Second)
	v.SetDefault("ledger.reconnect_max", time.Minute)
	v.SetDefault("ingest.workers", 8)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.supply_schedule", "@every 10m")
	v.SetDefault("reconcile.projection_schedule", "@every 1h")
	v.SetDefault("reconcile.lock_backend", LockBackendEtcd)
	v.SetDefault("reconcile.lock_ttl", 30*time.Second)
	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件，环境变量 TICKETSYNC_* 可覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TICKETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验必填项
func (c *Config) Validate() error {
	var errs []error
	if c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("ledger.rpc_url 不能为空"))
	}
	if c.Ledger.ContractAddress == "" {
		errs = append(errs, errors.New("ledger.contract_address 不能为空"))
	}
	if c.Ledger.BackfillChunk == 0 {
		errs = append(errs, errors.New("ledger.backfill_chunk 必须大于0"))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers 必须大于0"))
	}
	if c.MySQL.Master == "" {
		errs = append(errs, errors.New("mysql.master 不能为空"))
	}
	switch c.Reconcile.LockBackend {
	case LockBackendEtcd, LockBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("未知的锁后端: %q", c.Reconcile.LockBackend))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers 不能为空"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("配置校验失败: %w", errors.Join(errs...))
	}
	return nil
}
