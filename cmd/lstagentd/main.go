package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/api"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/chain"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/config"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/notify"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/observability/alerting"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/observability/metrics"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/order"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/registry"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/settle"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/slippage"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/pkg/logger"
)

// main 是 lstagentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("lstagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("LSTAGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "lstagent.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 订单存储。
	var store order.Store
	switch cfg.Storage.OrderStore.Driver {
	case "", "memory":
		store = order.NewMemoryStore()
	case "mysql":
		s, err := order.NewMySQLStore(cfg.Storage.OrderStore.DSN)
		if err != nil {
			return err
		}
		store = s
	default:
		return fmt.Errorf("未知的订单存储驱动: %s", cfg.Storage.OrderStore.Driver)
	}
	defer func() { _ = store.Close() }()

	// 结算事件队列。
	var queue notify.Queue
	switch cfg.Notify.Driver {
	case "", "memory":
		queue = notify.NewMemoryQueue(cfg.Notify.Buffer)
	case "redis":
		q, err := notify.NewRedisQueue(notify.RedisQueueConfig{
			Address:   cfg.Notify.Redis.Address,
			Password:  cfg.Notify.Redis.Password,
			DB:        cfg.Notify.Redis.DB,
			Queue:     cfg.Notify.Redis.Queue,
			BlockWait: time.Duration(cfg.Notify.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := notify.NewRabbitMQQueue(notify.RabbitMQConfig{
			URL:        cfg.Notify.RabbitMQ.URL,
			Queue:      cfg.Notify.RabbitMQ.Queue,
			Prefetch:   cfg.Notify.RabbitMQ.Prefetch,
			Durable:    cfg.Notify.RabbitMQ.Durable,
			AutoDelete: cfg.Notify.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的事件队列驱动: %s", cfg.Notify.Driver)
	}
	defer func() { _ = queue.Close() }()

	// 节点客户端。
	node, err := chain.Dial(ctx, chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		Timeout: cfg.ChainTimeout(),
	})
	if err != nil {
		return err
	}

	// LST 白名单。
	reg := registry.Builtin()
	if cfg.Registry.TokensFile != "" {
		reg, err = registry.LoadFile(cfg.Registry.TokensFile)
		if err != nil {
			return err
		}
	}

	policy := &slippage.Policy{
		Source: slippage.NewGeckoClient(cfg.Slippage.StatsBase, cfg.Chain.WBNB, cfg.SlippageTimeout()),
		Fixed:  cfg.Slippage.FixedBps,
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	alerter := alerting.NewFanout(notifiers...)

	router := common.HexToAddress(cfg.Chain.Router)
	wbnb := common.HexToAddress(cfg.Chain.WBNB)

	service := order.NewService(store, node, reg, policy, queue, order.ServiceConfig{
		ChainID:         cfg.Chain.ChainID,
		Router:          router,
		WBNB:            wbnb,
		MaxAttempts:     cfg.Settlement.MaxAttempts,
		DeadlineSeconds: cfg.Settlement.DeadlineSeconds,
	})

	engine := settle.NewEngine(node, store, queue, alerter, settle.Config{
		ChainID:             cfg.Chain.ChainID,
		Router:              router,
		WBNB:                wbnb,
		GasBudgetMultiplier: cfg.Settlement.GasBudgetMultiplier,
		MinFundingWei:       cfg.MinFundingWei(),
		MaxAttempts:         cfg.Settlement.MaxAttempts,
		RefundGasLimit:      cfg.Settlement.RefundGasLimit,
		OrderTimeout:        cfg.OrderTimeout(),
	})

	engineCtx, engineCancel := context.WithCancel(ctx)
	defer engineCancel()
	go func() {
		if err := engine.Run(engineCtx, cfg.SettleInterval()); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("结算引擎异常退出", slog.Any("error", err))
		}
	}()

	// 事件消费：把结算事件镜像到审计日志，供对话层轮询转述。
	go func() {
		err := queue.Consume(engineCtx, cfg.Notify.Workers, func(_ context.Context, e notify.Event) error {
			logger.Audit().Info("结算事件",
				slog.String("event_id", e.ID),
				slog.String("order_id", e.OrderID),
				slog.String("kind", string(e.Kind)),
				slog.String("tx_hash", e.TxHash),
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("事件消费异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(engineCtx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
