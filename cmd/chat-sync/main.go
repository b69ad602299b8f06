package main

import (
	"context"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/log"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/rajivgeraev/aski-chat/internal/api"
	"github.com/rajivgeraev/aski-chat/internal/chatsync"
	"github.com/rajivgeraev/aski-chat/internal/config"
	"github.com/rajivgeraev/aski-chat/internal/db"
	"github.com/rajivgeraev/aski-chat/internal/notify"
	"github.com/rajivgeraev/aski-chat/internal/services/chat"
	"github.com/rajivgeraev/aski-chat/internal/utils"
	"github.com/rajivgeraev/aski-chat/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.LoadConfig()
	log.SetLevel(parseLevel(cfg.LogLevel))

	self, err := utils.IdentityFromToken(cfg.AuthToken)
	if err != nil {
		log.Fatalf("❌ Could not read the session identity: %v", err)
	}

	feed := notify.NewFeed(0)
	backend := api.NewClient(cfg)
	socket := websocket.NewManager(cfg.SocketURL, cfg.AuthToken)

	opts := []chatsync.Option{chatsync.WithReadDebounce(cfg.ReadMarkDebounce)}
	if cfg.ArchiveEnabled {
		if err := db.InitDB(cfg); err != nil {
			log.Fatalf("❌ Error initializing the archive database: %v", err)
		}
		archive := db.NewArchive(db.Pool)
		if err := archive.Migrate(); err != nil {
			log.Fatalf("❌ Error migrating the archive: %v", err)
		}
		opts = append(opts, chatsync.WithArchive(archive))
	}

	store := chatsync.New(backend, socket, feed, self, opts...)
	socket.SetEventHandler(store.HandleEvent)
	socket.SetStateHandler(store.HandleConnectionChange)

	if err := store.RefreshChats(context.Background()); err != nil {
		log.Errorf("Initial chat list load failed: %v", err)
	}

	socketCtx, stopSocket := context.WithCancel(context.Background())
	socketDone := make(chan struct{})
	go func() {
		defer close(socketDone)
		socket.Run(socketCtx)
	}()

	app := fiber.New(fiber.Config{
		AppName:      "Aski Chat Sync",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: false,
	}))

	chatService := chat.NewChatService(cfg, store, feed)
	chatService.SetupRoutes(app)

	go func() {
		log.Infof("✅ Aski chat sync listening on port %s as %s", cfg.Port, self.ID)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Errorf("HTTP server stopped: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				return app.ShutdownWithContext(ctx)
			},
			"socket": func(ctx context.Context) error {
				stopSocket()
				select {
				case <-socketDone:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			"store": func(ctx context.Context) error {
				store.Close()
				if cfg.ArchiveEnabled {
					db.CloseDB()
				}
				return nil
			},
		},
	)

	exitCode := <-wait
	log.Infof("Aski chat sync exited with code %d", exitCode)
	os.Exit(exitCode)
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn", "warning":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

// errorHandler renders fiber errors as JSON
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
