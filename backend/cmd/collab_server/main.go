package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"collabEngine/backend/config"
	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/httpapi/middleware"
	"collabEngine/backend/internal/logger"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	cfg := &config.Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		logger.Log.Fatal("init config failed", zap.Error(err))
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		logger.Log.Fatal("redis unreachable", zap.Error(err))
	}
	defer rdb.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		logger.Log.Fatal("mysql (gorm) init failed", zap.Error(err))
	}

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		logger.Log.Fatal("mysql open failed", zap.Error(err))
	}
	defer db.Close()

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		logger.Log.Fatal("kafka connect failed", zap.Error(err))
	}
	defer producer.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub()
	documentStore := store.NewDocumentStore(gormDB)
	historyStore := store.NewHistoryStore(db)
	userStore := store.NewUserStore(db)

	kafkaSem := collab.NewSemaphoreControl()
	wsSem := collab.NewSemaphoreControl()

	// 审计事件本地队列 + worker 重试发送
	dispatcher := collab.NewAuditDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.AuditDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	locks := collab.NewLockManager()
	svc := collab.NewService(documentStore, historyStore, userStore, locks, dispatcher,
		collab.Options{
			RingCap:       cfg.Collab.RingCap,
			AutoSaveDelay: time.Duration(cfg.Collab.AutoSaveDelaySec) * time.Second,
			GracePeriod:   time.Duration(cfg.Collab.SessionGraceSec) * time.Second,
		})
	manager := ws.NewManager(hub, svc, presenceCache, wsSem)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	collabGroup := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，写入 userId/username
	collabGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	logger.Info("collab server starting", zap.Int("port", cfg.Running.Port))
	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
