package bootstrap

import (
	"autoreply_worker/adapter/in/http"
	"autoreply_worker/infra/database"
	"autoreply_worker/infra/middleware"
	"autoreply_worker/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// NewAPI builds the read-only operator API over deps.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config
	zlog := logger.Component("api")

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(zlog),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json instead of encoding/json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:          64 * 1024, // GET-only API
		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// order matters
	app.Use(middleware.Recover(zlog))
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger(zlog))

	// A nil *redis.Client must not reach the handler as a non-nil interface.
	var rdb redis.UniversalClient
	if deps.Redis != nil {
		rdb = deps.Redis
	}
	http.NewHealthHandler(deps.SQLDB, rdb, deps.Credentials).Register(app)

	opts := []http.StatusOption{http.WithCircuitState(deps.Gmail.CircuitState)}
	if deps.SQLDB != nil {
		opts = append(opts, http.WithDBPool(deps.SQLDB))
	}
	if deps.PgPool != nil {
		pool := deps.PgPool
		opts = append(opts, http.WithPoolStats("pgx", func() any { return database.GetPgxStats(pool) }))
	}
	if deps.Redis != nil {
		client := deps.Redis
		opts = append(opts, http.WithPoolStats("redis", func() any { return database.GetRedisStats(client) }))
	}
	http.NewStatusHandler(deps.Scheduler, deps.Ledger, cfg.LedgerBackend, opts...).Register(app)

	app.Use(func(c *fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	return app
}
