package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/cache"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/httpapi/handlers"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/httpapi/middleware"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/session"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/store"
	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
	Collab struct {
		CreateMissing      bool          `mapstructure:"createMissing"`
		SessionTTL         time.Duration `mapstructure:"sessionTTL"`
		SweepInterval      time.Duration `mapstructure:"sweepInterval"`
		SendQueue          int           `mapstructure:"sendQueue"`
		MaxSessionsPerDoc  int           `mapstructure:"maxSessionsPerDoc"`
		CheckpointInterval time.Duration `mapstructure:"checkpointInterval"`
		HistoryWindow      int           `mapstructure:"historyWindow"`
	} `mapstructure:"Collab"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// Works when started from the repo root or from backend/.
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetDefault("Running.Port", 8084)
	v.SetDefault("Collab.createMissing", true)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := initConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("init config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence gateway: MySQL behind the write-behind saver when a DSN
	// is configured, process-local memory otherwise.
	var gateway collab.Gateway
	if cfg.Mysql.DSN != "" {
		durable, err := store.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("mysql open failed")
		}
		gateway = store.NewSaver(durable, store.SaverOptions{}, log)
		log.Info().Msg("persistence: mysql")
	} else {
		gateway = store.NewMemoryGateway()
		log.Warn().Msg("persistence: in-memory, documents will not survive a restart")
	}

	// Presence mirror: optional, degrades to the in-process registry alone.
	var mirror session.Mirror
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, presence mirror disabled")
		} else {
			mirror = cache.NewRedisPresence(rdb)
			defer rdb.Close()
		}
	}

	// Applied-operation events onto Kafka, optional.
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka connect failed")
		}
		defer producer.Close()
		events = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(0),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
			log,
		)
	}

	engine := collab.NewEngine(gateway, events, collab.Options{
		CreateMissing: cfg.Collab.CreateMissing,
		HistoryWindow: cfg.Collab.HistoryWindow,
	}, log)

	registry := session.NewRegistry(session.Options{
		TTL:           cfg.Collab.SessionTTL,
		SweepInterval: cfg.Collab.SweepInterval,
		MaxPerDoc:     cfg.Collab.MaxSessionsPerDoc,
	}, mirror, log)

	hub := ws.NewHub(0, log)
	engine.SetAppliedHook(ws.AppliedHook(hub))
	registry.SetEvictHook(func(docID string, evicted []session.Session) {
		// Timed-out sessions are cancelled server-side: locks released,
		// connection closed, then the new roster goes out.
		for _, s := range evicted {
			engine.ReleaseLocks(s.ID)
			hub.DropSession(docID, s.ID)
		}
		hub.Broadcast(docID, ws.ActiveUsersMessage{Type: "active_users", Sessions: registry.ListActive(docID)}, nil)
	})

	manager := ws.NewManager(hub, engine, registry, ws.ManagerOptions{
		JWTSecret: cfg.Auth.JWTSecret,
		SendQueue: cfg.Collab.SendQueue,
	}, log)

	docHandler := handlers.NewDocumentHandler(engine, registry, log)
	commentHandler := handlers.NewCommentHandler(engine, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	group := r.Group("/collab")
	group.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	// The WebSocket route authenticates inside the handshake: browsers
	// cannot attach an Authorization header to an upgrade request.
	group.GET("/ws/docs/:document_id", manager.Connect)

	api := group.Group("")
	api.Use(middleware.Auth(cfg.Auth.JWTSecret))
	api.GET("/documents", docHandler.List)
	api.POST("/documents", docHandler.Create)
	api.GET("/documents/:document_id/state", docHandler.State)
	api.POST("/documents/:document_id/save", docHandler.Save)
	api.POST("/documents/:document_id/lock", docHandler.Lock)
	api.POST("/documents/:document_id/unlock", docHandler.Unlock)
	api.DELETE("/documents/:document_id", docHandler.Delete)
	api.GET("/documents/:document_id/users", docHandler.Users)
	api.GET("/documents/:document_id/comments", commentHandler.List)
	api.POST("/documents/:document_id/comments", commentHandler.Create)
	api.PUT("/documents/:document_id/comments/:comment_id", commentHandler.Update)
	api.DELETE("/documents/:document_id/comments/:comment_id", commentHandler.Delete)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Running.Port).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx, cfg.Collab.CheckpointInterval) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped")
	}

	// Flush every dirty document before the process exits.
	flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := engine.Teardown(flushCtx); err != nil {
		log.Error().Err(err).Msg("final flush failed")
	}
	log.Info().Msg("shutdown complete")
}
