package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/redis/v3"
	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/auth"
	"github.com/khanghh/oauthd/internal/clients"
	"github.com/khanghh/oauthd/internal/common"
	"github.com/khanghh/oauthd/internal/config"
	"github.com/khanghh/oauthd/internal/database"
	"github.com/khanghh/oauthd/internal/handlers/api"
	"github.com/khanghh/oauthd/internal/middlewares"
	"github.com/khanghh/oauthd/internal/middlewares/sessions"
	"github.com/khanghh/oauthd/internal/store"
	"github.com/khanghh/oauthd/internal/users"
	"github.com/khanghh/oauthd/model"
	"github.com/khanghh/oauthd/params"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
	gitTag    string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "oauthd - OAuth 2.0 authorization code server"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
		{
			Name:   "migrate",
			Usage:  "Create or update the database schema",
			Action: runMigrate,
		},
		{
			Name:   "cleanup",
			Usage:  "Delete expired codes, tokens, sessions and authorization requests",
			Action: runCleanupOnce,
		},
		{
			Name:  "user",
			Usage: "Manage resource owners",
			Subcommands: []*cli.Command{
				{
					Name: "create",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "username", Required: true},
						&cli.StringFlag{Name: "email", Required: true},
						&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"OAUTHD_USER_PASSWORD"}},
					},
					Action: runUserCreate,
				},
				{
					Name:   "disable",
					Usage:  "Disable a user, ending their sessions and revoking their tokens",
					Flags:  []cli.Flag{&cli.UintFlag{Name: "id", Required: true}},
					Action: runUserDisable,
				},
			},
		},
		{
			Name:  "client",
			Usage: "Manage registered clients",
			Subcommands: []*cli.Command{
				{
					Name: "register",
					Flags: []cli.Flag{
						&cli.UintFlag{Name: "owner", Required: true, Usage: "Owner user id"},
						&cli.StringFlag{Name: "name", Required: true},
						&cli.StringFlag{Name: "description"},
						&cli.StringSliceFlag{Name: "redirect-uri", Required: true},
						&cli.StringFlag{Name: "scope", Usage: "Allowed scope, space delimited"},
					},
					Action: runClientRegister,
				},
				{
					Name:   "deactivate",
					Usage:  "Deactivate a client, revoking its tokens and outstanding codes",
					Flags:  []cli.Flag{&cli.StringFlag{Name: "client-id", Required: true}},
					Action: runClientDeactivate,
				},
			},
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func mustLoadConfig(ctx *cli.Context) *config.Config {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		os.Exit(1)
	}
	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))
	return cfg
}

func mustInitDatabase(dbConfig config.DatabaseConfig, debug bool) *gorm.DB {
	db, err := database.Open(dbConfig, debug)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := model.AutoMigrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	return db
}

func mustInitRedisStorage(redisCfg config.RedisConfig) *redis.Storage {
	return redis.New(redis.Config{
		URL:           redisCfg.URL,
		PoolSize:      redisCfg.PoolSize,
		IsClusterMode: redisCfg.ClusterMode,
	})
}

// mustInitCacheStorage uses redis when configured and falls back to an
// in-process store, which only suits a single instance.
func mustInitCacheStorage(redisCfg config.RedisConfig) (store.Storage, func()) {
	if redisCfg.URL == "" {
		slog.Warn("No redis configured, sessions cache and rate limits are kept in memory")
		memStorage := store.NewMemoryStorage(nil)
		return memStorage, func() { memStorage.Close() }
	}
	redisStorage := mustInitRedisStorage(redisCfg)
	return store.NewRedisStorage(redisStorage.Conn()), func() { redisStorage.Close() }
}

func mustInitEngine(cfg *config.Config, db *gorm.DB, cacheStorage store.Storage, reg prometheus.Registerer) *auth.Engine {
	engine, err := auth.Setup(db, cacheStorage, cfg, reg, time.Now)
	if err != nil {
		slog.Error("Failed to initialize authorization engine", "error", err)
		os.Exit(1)
	}
	return engine
}

func setupRouter(cfg *config.Config, engine *auth.Engine, gatherer prometheus.Gatherer) *fiber.App {
	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  middlewares.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	router.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	api.SetupRoutes(router, engine, sessions.Config{
		SessionMaxAge:  cfg.Session.SessionMaxAge,
		CookieSecure:   cfg.Session.CookieSecure,
		CookieHttpOnly: cfg.Session.CookieHttpOnly,
		CookieName:     cfg.Session.CookieName,
	}, cfg.BaseURL)
	return router
}

func startCleanupLoop(ctx context.Context, engine *auth.Engine) {
	ticker := time.NewTicker(params.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := engine.Cleanup(ctx)
			if err != nil {
				slog.Warn("Cleanup failed", "error", err)
				continue
			}
			slog.Debug("Cleanup done", "attempts", stats.Attempts, "codes", stats.Codes, "tokens", stats.Tokens, "sessions", stats.Sessions)
		}
	}
}

func run(ctx *cli.Context) error {
	cfg := mustLoadConfig(ctx)
	db := mustInitDatabase(cfg.Database, cfg.Debug)
	defer database.Close(db)
	cacheStorage, closeCache := mustInitCacheStorage(cfg.Redis)
	defer closeCache()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engine := mustInitEngine(cfg, db, cacheStorage, registry)
	router := setupRouter(cfg, engine, registry)

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go startCleanupLoop(sigCtx, engine)

	done := make(chan struct{})
	go common.StartHealthCheckServer(sigCtx, done, cacheStorage, db)
	defer func() {
		stop()
		<-done
	}()

	go func() {
		<-sigCtx.Done()
		slog.Info("Shutting down")
		router.ShutdownWithTimeout(params.ServerWriteTimeout)
	}()
	slog.Info("Starting oauthd", "version", params.VersionWithCommit(gitCommit, gitDate), "listenAddr", cfg.ListenAddr)
	return router.Listen(cfg.ListenAddr)
}

func runMigrate(ctx *cli.Context) error {
	cfg := mustLoadConfig(ctx)
	db := mustInitDatabase(cfg.Database, cfg.Debug)
	slog.Info("Database schema is up to date")
	return database.Close(db)
}

// withEngine runs fn against an engine backed by the configured database and
// cache, so session evictions reach the cache the server reads from.
func withEngine(ctx *cli.Context, fn func(engine *auth.Engine) error) error {
	cfg := mustLoadConfig(ctx)
	db := mustInitDatabase(cfg.Database, cfg.Debug)
	defer database.Close(db)
	cacheStorage, closeCache := mustInitCacheStorage(cfg.Redis)
	defer closeCache()
	return fn(mustInitEngine(cfg, db, cacheStorage, prometheus.NewRegistry()))
}

func runCleanupOnce(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *auth.Engine) error {
		stats, err := engine.Cleanup(ctx.Context)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d authorization requests, %d codes, %d tokens, %d sessions\n", stats.Attempts, stats.Codes, stats.Tokens, stats.Sessions)
		return nil
	})
}

func runUserCreate(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *auth.Engine) error {
		user, err := engine.CreateUser(ctx.Context, users.CreateUserOptions{
			Username: ctx.String("username"),
			Email:    ctx.String("email"),
			Password: ctx.String("password"),
		})
		if err != nil {
			return err
		}
		fmt.Printf("user %s created with id %d\n", user.Username, user.ID)
		return nil
	})
}

func runUserDisable(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *auth.Engine) error {
		return engine.DisableUser(ctx.Context, ctx.Uint("id"), audit.SystemActor())
	})
}

func runClientRegister(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *auth.Engine) error {
		client, secret, err := engine.RegisterClient(ctx.Context, clients.RegisterOptions{
			OwnerID:      ctx.Uint("owner"),
			Name:         ctx.String("name"),
			Description:  ctx.String("description"),
			RedirectURIs: ctx.StringSlice("redirect-uri"),
			Scope:        ctx.String("scope"),
		})
		if err != nil {
			return err
		}
		fmt.Printf("client_id:     %s\nclient_secret: %s\n", client.ClientID, secret)
		fmt.Println("The secret is shown only once.")
		return nil
	})
}

func runClientDeactivate(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *auth.Engine) error {
		return engine.DeactivateClient(ctx.Context, ctx.String("client-id"), 0)
	})
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
