package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidstream/internal/api/handlers"
	"bidstream/internal/config"
	"bidstream/internal/domain"
	"bidstream/internal/infrastructure/mysql"
	"bidstream/internal/infrastructure/redis"
	"bidstream/internal/infrastructure/websocket"
	"bidstream/internal/services"
	"bidstream/pkg/logger"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := logger.New()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Error("Invalid config", "error", err)
		os.Exit(1)
	}
	log = logger.NewWithLevel(cfg.Log.Level).With("service", "bid-client", "instance_id", cfg.Instance.ID)
	log.Info("Starting bid client", "config", cfg.GetConfigString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis
	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	// Optional MySQL for history warm-up
	var history domain.BidRepository
	if cfg.Bidding.Warm {
		db, err := mysql.Open(pingCtx, cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns,
			cfg.MySQL.MaxIdleConns, cfg.MySQL.ConnMaxLifetime)
		if err != nil {
			log.Error("Failed to connect to MySQL", "error", err)
			os.Exit(1)
		}
		defer func(db *sql.DB) {
			if err := db.Close(); err != nil {
				log.Error("Failed to close MySQL connection", "error", err)
			}
		}(db)
		history = mysql.NewMySQLBidRepository(db)
		log.Info("Connected to MySQL")
	}

	// Increment rules
	ruleStore := redis.NewRedisRuleStore(rdb, services.DefaultValidationRules(), log)
	policy := services.NewBandIncrementPolicy(nil)
	refresher := services.NewRuleRefresher(ruleStore, policy, cfg.Rules.RefreshSchedule, log)

	// Feed transport
	tokenStore := redis.NewRedisTokenStore(rdb, cfg.Redis.TokenTTL)
	var opts []websocket.Option
	if cfg.Feed.Token == "" {
		tokenKey := redis.SessionTokenKey(cfg.Bidding.BidderID)
		opts = append(opts, websocket.WithTokenSource(func(ctx context.Context) (string, error) {
			return tokenStore.GetToken(ctx, tokenKey)
		}))
	}
	feed := websocket.NewFeedClient(websocket.ClientConfig{
		URL:                 cfg.Feed.URL,
		Token:               cfg.Feed.Token,
		HandshakeTimeout:    cfg.Feed.HandshakeTimeout,
		ReconnectDelay:      cfg.Feed.ReconnectDelay,
		ReconnectMaxDelay:   cfg.Feed.ReconnectMaxDelay,
		ReconnectMultiplier: cfg.Feed.ReconnectMultiplier,
		ReconnectMax:        cfg.Feed.ReconnectMax,
		HeartbeatInterval:   cfg.Feed.HeartbeatInterval,
		ReadTimeout:         cfg.Feed.ReadTimeout,
		SubmitTimeout:       cfg.Bidding.SubmitTimeout,
	}, log.With("component", "feed"), opts...)
	feed.OnError(func(err error) {
		log.Debug("Feed error", "error", err)
	})

	// Session
	reducer := services.NewReducer(log.With("component", "reducer"))
	coordinator := services.NewSubmissionCoordinator(feed, reducer, policy, services.SubmissionConfig{
		BidderID:       cfg.Bidding.BidderID,
		SubmitTimeout:  cfg.Bidding.SubmitTimeout,
		ConfirmTimeout: cfg.Bidding.ConfirmTimeout,
	}, log)

	var sessionOpts []services.SessionOption
	if cfg.Bidding.Publish {
		sessionOpts = append(sessionOpts, services.WithUpdateSink(redis.NewUpdatePublisher(rdb)))
	}
	if history != nil {
		sessionOpts = append(sessionOpts, services.WithHistorySource(history))
	}
	session := services.NewBiddingSession(feed, reducer, coordinator, log, sessionOpts...)

	// Viewer relay
	hub := websocket.NewViewerHub(log.With("component", "viewers"))
	session.ObserveAllHistory(func(snapshot domain.HistorySnapshot) {
		_ = hub.BroadcastToItem(snapshot.ItemID, websocket.HistoryMessage(snapshot))
	})
	session.ObserveConnection(func(state domain.ConnectionState) {
		_ = hub.Broadcast(websocket.ConnectionMessage(state))
	})
	session.ObserveSubmissions(func(state domain.SubmissionState) {
		_ = hub.BroadcastToItem(state.ItemID, websocket.SubmissionMessage(state))
	})

	for _, itemID := range cfg.Bidding.Watch {
		if err := session.Watch(itemID); err != nil {
			log.Error("Failed to watch item", "item_id", itemID, "error", err)
			continue
		}
		if _, err := session.Warm(ctx, itemID); err != nil {
			log.Error("Failed to warm item history", "item_id", itemID, "error", err)
		}
	}

	// A failed first connect is reported and left for POST /connection/retry.
	if err := session.Start(ctx); err != nil {
		log.Error("Initial feed connection failed", "error", err)
	}

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	bidHandler := handlers.NewBidHandler(session, cfg.Bidding.SubmitTimeout+cfg.Bidding.ConfirmTimeout, log)
	bidHandler.RegisterRoutes(e.Group("/api/v1"))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"service":    "bid-client",
			"feed":       session.ConnectionState().String(),
			"watching":   session.Watched(),
			"timestamp":  time.Now().Format(time.RFC3339),
			"instanceId": cfg.Instance.ID,
		})
	})

	// Viewer sockets go through mux, everything else through echo.
	router := mux.NewRouter()
	websocket.NewViewerHandler(session, hub, log).RegisterRoutes(router)
	router.PathPrefix("/").Handler(e)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting bid client server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := refresher.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return refresher.Stop()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down bid client...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hub.CloseAll()
		session.Close()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Bid client stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Bid client stopped")
}
