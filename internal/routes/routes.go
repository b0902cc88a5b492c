package routes

import (
	"context"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/config"
	"github.com/LuyxT/PitchOS-apple--sub002/internal/handlers"
	"github.com/LuyxT/PitchOS-apple--sub002/internal/middleware"
	"github.com/LuyxT/PitchOS-apple--sub002/internal/repository"
	"github.com/LuyxT/PitchOS-apple--sub002/internal/services"
	chatws "github.com/LuyxT/PitchOS-apple--sub002/internal/websocket"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Dependencies are the process-level resources the routes are built on.
// DB and Redis are optional; without them the in-memory store and token
// registry are used.
type Dependencies struct {
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Hub    *chatws.Hub
	Logger *zap.Logger
}

type userDirectory interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
}

func RegisterRoutes(app *fiber.App, cfg *config.Config, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var store services.ChatStore
	var users userDirectory
	if deps.DB != nil {
		store = repository.NewPostgresStore(deps.DB)
		users = repository.NewUserRepository(deps.DB)
	} else {
		logger.Warn("DB_URL not set, chats are kept in memory")
		store = repository.NewMemoryStore()
		users = repository.NewMemoryUsers()
	}

	var registry services.TokenRegistry
	if deps.Redis != nil {
		registry = services.NewRedisTokenRegistry(deps.Redis)
	} else {
		registry = services.NewMemoryTokenRegistry()
	}

	var storageService services.StorageService
	if cfg.StorageEnabled() {
		storageService = services.NewSupabaseStorageService(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseServiceKey)
	}

	broadcaster := services.NewBroadcaster(store, deps.Hub, logger.Named("broadcast"))
	chatService := services.NewChatService(store, users, broadcaster, logger.Named("chat"))
	mediaService := services.NewMediaService(store, storageService, logger.Named("media"))
	tokenService := services.NewRealtimeTokenService(cfg.JWTSecret, cfg.RealtimeTokenTTL, registry, logger.Named("realtime"))

	chatHandler := handlers.NewChatHandler(chatService, logger)
	mediaHandler := handlers.NewMediaHandler(mediaService, logger)
	realtimeHandler := handlers.NewRealtimeHandler(tokenService, deps.Hub, logger)

	api := app.Group("/api")

	// The stream authenticates with its own single-use token, so it is
	// registered ahead of the access-token group.
	api.Get("/v1/ws", realtimeHandler.WebSocketAuth, websocket.New(realtimeHandler.HandleWebSocket))

	if cfg.DevAuthEnabled() {
		authHandler := handlers.NewAuthHandler(users, cfg.JWTSecret, logger)
		auth := api.Group("/auth")
		auth.Post("/dev-token", authHandler.DevToken)
		auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)
		logger.Warn("development auth endpoints enabled")
	}

	v1 := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	chats := v1.Group("/chats")
	chats.Get("", chatHandler.ListChats)
	chats.Post("/direct", chatHandler.CreateDirectChat)
	chats.Post("/group", chatHandler.CreateGroupChat)
	chats.Patch("/:id", chatHandler.UpdateChat)
	chats.Put("/:id/preferences", chatHandler.UpdatePreferences)
	chats.Put("/:id/participants/:userId/write", chatHandler.SetParticipantWrite)
	chats.Post("/:id/archive", chatHandler.ArchiveChat)
	chats.Post("/:id/unarchive", chatHandler.UnarchiveChat)
	chats.Get("/:id/messages", chatHandler.ListMessages)
	chats.Post("/:id/messages", middleware.SendRateLimiter(), chatHandler.SendMessage)
	chats.Delete("/:id/messages/:messageId", chatHandler.DeleteMessage)
	chats.Get("/:id/messages/:messageId/receipts", chatHandler.ListReadReceipts)
	chats.Post("/:id/read", chatHandler.MarkRead)

	v1.Get("/search", chatHandler.Search)

	media := v1.Group("/media")
	media.Post("", mediaHandler.Register)
	media.Post("/:id/complete", mediaHandler.Complete)
	media.Get("/:id", mediaHandler.Download)

	v1.Get("/realtime/token", middleware.TokenRateLimiter(), realtimeHandler.IssueToken)
}
