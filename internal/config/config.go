package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

// BNB 主网的默认链参数。
const (
	DefaultChainID = 56
	DefaultRouter  = "0x10ED43C718714eb63d5aA57B78B54704E256024E"
	DefaultWBNB    = "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
)

// Config 描述 lstagentd 启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Metrics    MetricsConfig    `json:"metrics"`
	Storage    StorageConfig    `json:"storage"`
	Notify     NotifyConfig     `json:"notify"`
	Chain      ChainConfig      `json:"chain"`
	Settlement SettlementConfig `json:"settlement"`
	Slippage   SlippageConfig   `json:"slippage"`
	Registry   RegistryConfig   `json:"registry"`
	Logging    LoggingConfig    `json:"logging"`
	Alerting   AlertingConfig   `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// StorageConfig 描述订单存储后端。
type StorageConfig struct {
	OrderStore OrderStoreConfig `json:"order_store"`
}

// OrderStoreConfig 支持 memory 与 mysql 两种驱动。
// memory 驱动进程退出即丢失签名凭证，仅用于开发环境。
type OrderStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// NotifyConfig 描述结算事件队列的驱动与参数。
type NotifyConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ChainConfig 包含访问 BNB 链节点所需的参数。
type ChainConfig struct {
	RPCURL         string `json:"rpc_url"`
	ChainID        uint64 `json:"chain_id"`
	Router         string `json:"router"`
	WBNB           string `json:"wbnb"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SettlementConfig 控制结算引擎的节奏与安全边界。
type SettlementConfig struct {
	IntervalSeconds     int     `json:"interval_seconds"`
	GasBudgetMultiplier float64 `json:"gas_budget_multiplier"`
	MinFundingWei       string  `json:"min_funding_wei"`
	MaxAttempts         int     `json:"max_attempts"`
	RefundGasLimit      uint64  `json:"refund_gas_limit"`
	OrderTimeoutSeconds int     `json:"order_timeout_seconds"`
	DeadlineSeconds     int64   `json:"deadline_seconds"`
}

// SlippageConfig 控制滑点决策：fixed_bps 大于零时跳过池子画像。
type SlippageConfig struct {
	FixedBps       int    `json:"fixed_bps"`
	StatsBase      string `json:"stats_base"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RegistryConfig 指向可选的代币白名单覆盖文件。
type RegistryConfig struct {
	TokensFile string `json:"tokens_file"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertingConfig 配置告警通道，webhook_url 为空时只写日志。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Load 解析指定路径的 JSON 配置文件并应用默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取配置文件失败")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Storage.OrderStore.Driver == "" {
		c.Storage.OrderStore.Driver = "memory"
	}
	if c.Notify.Driver == "" {
		c.Notify.Driver = "memory"
	}
	if c.Notify.Buffer <= 0 {
		c.Notify.Buffer = 1024
	}
	if c.Notify.Workers <= 0 {
		c.Notify.Workers = 1
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = DefaultChainID
	}
	if c.Chain.Router == "" {
		c.Chain.Router = DefaultRouter
	}
	if c.Chain.WBNB == "" {
		c.Chain.WBNB = DefaultWBNB
	}
	if c.Chain.TimeoutSeconds <= 0 {
		c.Chain.TimeoutSeconds = 10
	}
	if c.Settlement.IntervalSeconds <= 0 {
		c.Settlement.IntervalSeconds = 30
	}
	if c.Settlement.GasBudgetMultiplier < 1 {
		c.Settlement.GasBudgetMultiplier = 1.2
	}
	if c.Settlement.MaxAttempts <= 0 {
		c.Settlement.MaxAttempts = 10
	}
	if c.Settlement.RefundGasLimit == 0 {
		c.Settlement.RefundGasLimit = 21_000
	}
	if c.Settlement.OrderTimeoutSeconds <= 0 {
		c.Settlement.OrderTimeoutSeconds = 30
	}
	if c.Settlement.DeadlineSeconds <= 0 {
		c.Settlement.DeadlineSeconds = 1200
	}
	if c.Slippage.TimeoutSeconds <= 0 {
		c.Slippage.TimeoutSeconds = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Registry.TokensFile != "" && !filepath.IsAbs(c.Registry.TokensFile) {
		c.Registry.TokensFile = filepath.Join(baseDir, c.Registry.TokensFile)
	}
}

// Validate 校验跨字段约束，保证启动后不会因配置缺失半途崩溃。
func (c *Config) Validate() error {
	switch c.Storage.OrderStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.OrderStore.DSN == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "mysql 订单存储需要配置 dsn")
		}
	default:
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("未知的订单存储驱动: %s", c.Storage.OrderStore.Driver))
	}

	switch c.Notify.Driver {
	case "memory":
	case "redis":
		if c.Notify.Redis.Address == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "redis 队列需要配置 address")
		}
	case "rabbitmq":
		if c.Notify.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "rabbitmq 队列需要配置 url")
		}
	default:
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("未知的事件队列驱动: %s", c.Notify.Driver))
	}

	if c.Chain.RPCURL == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, "chain.rpc_url 不能为空")
	}
	if !common.IsHexAddress(c.Chain.Router) {
		return xerrors.New(xerrors.CodeConfigInvalid, "chain.router 不是合法地址")
	}
	if !common.IsHexAddress(c.Chain.WBNB) {
		return xerrors.New(xerrors.CodeConfigInvalid, "chain.wbnb 不是合法地址")
	}

	if c.Settlement.MinFundingWei != "" {
		if _, ok := new(big.Int).SetString(c.Settlement.MinFundingWei, 10); !ok {
			return xerrors.New(xerrors.CodeConfigInvalid, "settlement.min_funding_wei 必须是十进制整数")
		}
	}
	if c.Slippage.FixedBps < 0 || c.Slippage.FixedBps >= 10_000 {
		return xerrors.New(xerrors.CodeConfigInvalid, "slippage.fixed_bps 必须位于 [0, 10000)")
	}
	return nil
}

// MinFundingWei 返回解析后的入金门槛，未配置时返回 nil 交由引擎取默认值。
func (c *Config) MinFundingWei() *big.Int {
	if c.Settlement.MinFundingWei == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(c.Settlement.MinFundingWei, 10)
	if !ok {
		return nil
	}
	return v
}

// ChainTimeout 返回节点调用超时。
func (c *Config) ChainTimeout() time.Duration {
	return time.Duration(c.Chain.TimeoutSeconds) * time.Second
}

// SettleInterval 返回结算轮询间隔。
func (c *Config) SettleInterval() time.Duration {
	return time.Duration(c.Settlement.IntervalSeconds) * time.Second
}

// OrderTimeout 返回单笔订单在一轮结算中的时间上限。
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Settlement.OrderTimeoutSeconds) * time.Second
}

// SlippageTimeout 返回池子画像请求的超时。
func (c *Config) SlippageTimeout() time.Duration {
	return time.Duration(c.Slippage.TimeoutSeconds) * time.Second
}
