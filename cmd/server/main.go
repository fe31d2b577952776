package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/parkgate/internal/api/handlers"
	"github.com/langchou/parkgate/internal/api/middleware"
	"github.com/langchou/parkgate/internal/config"
	"github.com/langchou/parkgate/internal/events"
	"github.com/langchou/parkgate/internal/relay"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug, cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Parkgate",
		zap.String("port", cfg.ServerPort),
		zap.String("db_driver", cfg.DBDriver),
	)

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接存储并迁移
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer closeStore()

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)

	// 跨实例广播（可选），不可用时退回本地 Hub
	var broadcaster service.Broadcaster = wsHub
	if cfg.RedisAddr != "" {
		client, err := relay.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("Redis unavailable, broadcasting locally only", zap.Error(err))
		} else {
			defer client.Close()
			r := relay.New(client, cfg.RedisChannel, wsHub, logger)
			// 订阅确认后才切换到中继
			if err := r.Start(ctx); err != nil {
				logger.Warn("Redis subscribe failed, broadcasting locally only", zap.Error(err))
			} else {
				broadcaster = r
			}
		}
	}

	// 停车事件流（可选）
	var eventPublisher service.EventPublisher
	if cfg.AMQPURL != "" {
		publisher, err := events.NewPublisher(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, session events disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			eventPublisher = publisher
		}
	}

	// 创建停车服务
	parkingService := service.NewParkingService(
		logger,
		store,
		broadcaster,
		eventPublisher,
		service.NewTariff(cfg.FeeRatePerSecond),
	)

	// 新订阅者先收到完整快照
	wsHub.SetInitDataProvider(parkingService.Snapshot, parkingService.SnapshotLock())
	go wsHub.Run(ctx)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, parkingService, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.CORS(cfg.CORSAllowOrigin))

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logServerAddrs(logger, cfg.ServerPort)

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// 停止 Hub 与中继
	cancel()

	logger.Info("Server exited")
}

// openStore 按驱动打开停车记录存储
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (service.SessionStore, func(), error) {
	switch cfg.DBDriver {
	case config.DriverMySQL:
		db, err := repository.OpenMySQL(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := repository.MigrateMySQL(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate mysql: %w", err)
		}
		logger.Info("Database migrated successfully", zap.String("driver", cfg.DBDriver))
		return repository.NewMySQLParkingRepository(db), closeSQL(logger, db), nil

	case config.DriverMemory:
		logger.Warn("Using in-memory store, records are lost on restart")
		return repository.NewMemoryParkingRepository(nil), func() {}, nil

	default:
		db, err := repository.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("Database migrated successfully", zap.String("driver", cfg.DBDriver))
		return repository.NewParkingRepository(db), db.Close, nil
	}
}

func closeSQL(logger *zap.Logger, db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}

// logServerAddrs 打印本机与局域网访问地址
func logServerAddrs(logger *zap.Logger, port string) {
	logger.Info("Server started", zap.String("local", "http://localhost:"+port))

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		logger.Info("Server reachable on network",
			zap.String("network", fmt.Sprintf("http://%s:%s", ipNet.IP.String(), port)))
	}
}

// initLogger 初始化日志，level 非空时覆盖默认级别
func initLogger(debug bool, level string) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, _ := config.Build()
	return logger
}
