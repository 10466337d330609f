package config

import (
	"strings"
	"time"

	"github.com/blues/mfs/internal/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Escrow   EscrowConfig   `mapstructure:"escrow"`
	Task     TaskConfig     `mapstructure:"task"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

// RedisConfig 事件去重存储
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTLHours  int    `mapstructure:"ttl_hours"`
}

// TTL 去重键过期时间
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLHours) * time.Hour
}

// ChainConfig 单链配置
type ChainConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ChainType     string `mapstructure:"chain_type"`    // 链类型 (ethereum, polygon, etc.)
	ChainId       int64  `mapstructure:"chain_id"`      // 链ID
	RpcUrl        string `mapstructure:"rpc_url"`       // RPC节点URL
	PrivateKey    string `mapstructure:"private_key"`   // 管理员私钥，用于 finalize/adminRelease/adminRefund
	Confirmations int64  `mapstructure:"confirmations"` // 确认块数
	ABIPath       string `mapstructure:"abi_path"`      // 为空时使用内置ABI
	StartBlock    int64  `mapstructure:"start_block"`
	PollInterval  int    `mapstructure:"poll_interval"` // 秒
	BatchSize     int64  `mapstructure:"batch_size"`
}

// EngineConfig 里程碑与投票参数
type EngineConfig struct {
	VoteBufferSeconds      int64 `mapstructure:"vote_buffer_seconds"`
	VoteDurationSeconds    int64 `mapstructure:"vote_duration_seconds"`
	QuorumBps              int64 `mapstructure:"quorum_bps"` // 0 表示不校验法定票数
	MinMilestones          int   `mapstructure:"min_milestones"`
	FirstMilestoneMaxBps   int64 `mapstructure:"first_milestone_max_bps"`
	SecondMilestoneMaxBps  int64 `mapstructure:"second_milestone_max_bps"`
	MilestonesRequiredFrom int64 `mapstructure:"milestones_required_from"`
}

// VoteBuffer 提交证明到投票开始的缓冲
func (e EngineConfig) VoteBuffer() time.Duration {
	return time.Duration(e.VoteBufferSeconds) * time.Second
}

// VoteDuration 投票窗口时长
func (e EngineConfig) VoteDuration() time.Duration {
	return time.Duration(e.VoteDurationSeconds) * time.Second
}

// EscrowConfig 链上托管调用参数
type EscrowConfig struct {
	MaxAttempts           int   `mapstructure:"max_attempts"`
	RetryInitialSeconds   int64 `mapstructure:"retry_initial_seconds"`
	RetryMaxSeconds       int64 `mapstructure:"retry_max_seconds"`
	ConfirmTimeoutSeconds int64 `mapstructure:"confirm_timeout_seconds"`
	DispatchRetries       int   `mapstructure:"dispatch_retries"`
}

// ConfirmTimeout 等待链上回执的超时
func (e EscrowConfig) ConfirmTimeout() time.Duration {
	return time.Duration(e.ConfirmTimeoutSeconds) * time.Second
}

type TaskConfig struct {
	SweepInterval     int `mapstructure:"sweep_interval"` // 秒
	ReconcileInterval int `mapstructure:"reconcile_interval"`
	RetryInterval     int `mapstructure:"retry_interval"`
	SweepBatch        int `mapstructure:"sweep_batch"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug, info, warn, error, fatal
	Output string `mapstructure:"output"` // 输出目标: stdout, stderr, file
	File   string `mapstructure:"file"`   // 日志文件路径（当output为file时使用）
}

// GetLevel 实现 logger.LogConfig 接口
func (l LogConfig) GetLevel() string {
	return l.Level
}

// GetOutput 实现 logger.LogConfig 接口
func (l LogConfig) GetOutput() string {
	return l.Output
}

// GetFile 实现 logger.LogConfig 接口
func (l LogConfig) GetFile() string {
	return l.File
}

// SetDefaults 注册所有默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "milestone_fund")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "mfs.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "mfs:event:")
	v.SetDefault("redis.ttl_hours", 168)

	v.SetDefault("chain.enabled", false)
	v.SetDefault("chain.chain_type", "ethereum")
	v.SetDefault("chain.chain_id", 11155111)
	v.SetDefault("chain.confirmations", 12)
	v.SetDefault("chain.start_block", 0)
	v.SetDefault("chain.poll_interval", 30)
	v.SetDefault("chain.batch_size", 500)

	v.SetDefault("engine.vote_buffer_seconds", 120)
	v.SetDefault("engine.vote_duration_seconds", 7*24*3600)
	v.SetDefault("engine.quorum_bps", 0)
	v.SetDefault("engine.min_milestones", 1)
	v.SetDefault("engine.first_milestone_max_bps", 0)
	v.SetDefault("engine.second_milestone_max_bps", 0)
	v.SetDefault("engine.milestones_required_from", 0)

	v.SetDefault("escrow.max_attempts", 5)
	v.SetDefault("escrow.retry_initial_seconds", 30)
	v.SetDefault("escrow.retry_max_seconds", 1800)
	v.SetDefault("escrow.confirm_timeout_seconds", 1800)
	v.SetDefault("escrow.dispatch_retries", 2)

	v.SetDefault("task.sweep_interval", 60)
	v.SetDefault("task.reconcile_interval", 30)
	v.SetDefault("task.retry_interval", 60)
	v.SetDefault("task.sweep_batch", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/app.log")
}

// Load 从配置文件和环境变量加载配置
func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/mfs")

	SetDefaults(v)

	// 自动读取环境变量，例如 ENGINE_QUORUM_BPS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		logger.Warn("Warning: Could not read config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		logger.Fatal("Unable to decode config into struct: %v", err)
	}

	return &config
}
