package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/staffhub/internal/broker"
	"github.com/nao1215/staffhub/internal/config"
	"github.com/nao1215/staffhub/internal/notification"
	"github.com/nao1215/staffhub/internal/realtime"
	"github.com/nao1215/staffhub/pkg/httpclient"
)

// limiterCleanupInterval はHTTPレート制限の古いエントリを掃除する間隔。
const limiterCleanupInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "REST APIとWebSocketゲートウェイを起動する",
	Long: `REST APIとWebSocketゲートウェイを起動する。
redis.addrを設定すると複数インスタンス間で配信を中継し、
kafka.brokersを設定すると通知要求の購読とNotificationSentイベントの発行を行う。
SIGINT/SIGTERMを受け取るとapp.shutdown_timeout_secondsの猶予で停止する。`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := notification.OpenDB(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := notification.Migrate(ctx, db, log); err != nil {
		return err
	}

	svc := notification.NewService(notification.NewStore(db), newDirectory(cfg, db, log), log)

	limiter := realtime.NewRateLimiter(cfg.RateLimitWindow, cfg.WS.RateLimitMaxMessages)
	gateway := realtime.NewGateway(svc, limiter, realtime.Options{
		JWTSecret:         cfg.JWT.Secret,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
		PingInterval:      cfg.PingInterval,
		WriteTimeout:      cfg.WriteTimeout,
		MaxMessageSize:    cfg.WS.MaxMessageSizeBytes,
		SendBuffer:        cfg.WS.SendBuffer,
		SnapshotOnConnect: cfg.WS.SnapshotOnConnect,
		RecentLimit:       cfg.WS.RecentLimit,
	}, log)
	svc.SetPusher(gateway)

	var relay *realtime.RedisRelay
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		relay = realtime.NewRedisRelay(rdb, cfg.Redis.Channel, log)
		gateway.SetRelay(relay)
	}

	var consumer *broker.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := broker.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warn("パブリッシャーのクローズに失敗しました", zap.Error(err))
			}
		}()
		svc.SetEventPublisher(publisher)

		processor := broker.NewProcessor(svc, log.Named("broker"))
		consumer = broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.RequestsTopic, cfg.Kafka.GroupID, processor, log)
		defer func() {
			if err := consumer.Close(); err != nil {
				log.Warn("コンシューマーのクローズに失敗しました", zap.Error(err))
			}
		}()
	}

	server := notification.NewServer(notification.ServerConfig{
		JWTSecret:          cfg.JWT.Secret,
		AllowedOrigins:     cfg.CORS.AllowedOrigins,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		WebSocket:          gateway,
	}, svc, log)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("通知サービスを起動します",
			zap.String("addr", httpServer.Addr),
			zap.Bool("redis_relay", relay != nil),
			zap.Bool("kafka", consumer != nil),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("通知サービスを停止します")
		gateway.CloseAll()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	eg.Go(func() error {
		ticker := time.NewTicker(limiterCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				server.Limiter().Cleanup(now)
			}
		}
	})
	if relay != nil {
		eg.Go(func() error { return relay.Run(ctx, gateway.Deliver) })
	}
	if consumer != nil {
		eg.Go(func() error { return consumer.Run(ctx) })
	}
	return eg.Wait()
}

// newDirectory は部署メンバーの解決先を設定に応じて選ぶ。
func newDirectory(cfg *config.Config, db *sqlx.DB, log *zap.Logger) notification.Directory {
	if cfg.Directory.URL == "" {
		return notification.NewSQLDirectory(db)
	}
	client := httpclient.New(cfg.Directory.URL,
		httpclient.WithTimeout(cfg.DirectoryTimeout),
		httpclient.WithStateChangeHook(func(name string, from, to gobreaker.State) {
			log.Warn("ディレクトリAPIのサーキット状態が変化しました",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}),
	)
	return notification.NewReplicatingDirectory(
		notification.NewHTTPDirectory(client), notification.NewSQLDirectory(db), log)
}
