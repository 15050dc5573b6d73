package main

import (
	"fmt"
	"log"
	"time"

	"context"
	"database/sql"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"syncServer/backend/internal/auth"
	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/httpapi/middleware"
	"syncServer/backend/internal/presence"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Presence struct {
		TTLSeconds   int `mapstructure:"ttlSeconds"`
		SweepSeconds int `mapstructure:"sweepSeconds"`
	} `mapstructure:"presence"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
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
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config loaded, port=%d topic=%s", cfg.Running.Port, cfg.Kafka.Topic)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	// 内容快照走 gorm，操作日志走裸 database/sql
	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err = store.InitOpLog(context.Background(), db); err != nil {
		log.Fatalf("Failed to init op log table: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	contentStore := store.NewContentStore(gdb)
	opLogStore := store.NewOpLogStore(db)

	kafkaSem := collab.NewSemaphoreControl(0)
	wsSem := collab.NewSemaphoreControl(0)

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)
	flusher := collab.NewFlusher(contentStore, collab.FlusherOptions{
		QueueSize:   1_000,
		Workers:     2,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	})

	authority := collab.NewInMemoryAuthority(contentStore, opLogStore, kafkaDispatcher, flusher)

	hub := ws.NewHub()
	tracker := presence.NewTracker(
		cache.NewRedisPresence(rdb),
		hub,
		time.Duration(cfg.Presence.TTLSeconds)*time.Second,
		time.Duration(cfg.Presence.SweepSeconds)*time.Second,
	)
	tracker.StartSweeper()
	defer tracker.Stop()

	manager := ws.NewManager(hub, authority, tracker, wsSem)
	verifier := auth.NewJWTVerifier(cfg.Auth.Secret)

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

	sync := r.Group("/sync")
	sync.Use(middleware.AuthMiddleware(verifier))
	sync.GET("/ws", manager.WebSocketConnect)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
