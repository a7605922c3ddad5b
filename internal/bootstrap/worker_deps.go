package bootstrap

import (
	"context"
	"fmt"

	"autoreply_worker/adapter/in/worker"
	"autoreply_worker/adapter/out/cache"
	"autoreply_worker/adapter/out/persistence"
	"autoreply_worker/adapter/out/provider"
	"autoreply_worker/config"
	"autoreply_worker/core/domain"
	"autoreply_worker/core/port/out"
	"autoreply_worker/core/service/auth"
	"autoreply_worker/core/service/ledger"
	"autoreply_worker/core/service/reply"
	"autoreply_worker/infra/database"
	"autoreply_worker/pkg/crypto"
	"autoreply_worker/pkg/httputil"
	"autoreply_worker/pkg/logger"
	"autoreply_worker/pkg/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LedgerStore is a reply ledger that operators can also inspect.
type LedgerStore interface {
	out.ReplyLedger
	Counts(ctx context.Context) (map[domain.ReplyStatus]int64, error)
	Lookup(ctx context.Context, threadID string) (*domain.ReplyRecord, bool, error)
}

type Dependencies struct {
	Config *config.Config
	Log    zerolog.Logger

	// Storage; nil when the selected backend does not use it.
	PgPool *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	Ledger      LedgerStore
	TokenStore  out.TokenStore
	Credentials *auth.CredentialService

	Gmail   *provider.GmailAdapter
	Owners  *reply.OwnerDirectory
	Engine  *reply.Engine
	Metrics *metrics.ReplyMetrics

	Scheduler *worker.PollScheduler
	Pruner    *worker.PruneScheduler
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config:  cfg,
		Log:     logger.Component("bootstrap"),
		Metrics: metrics.NewReplyMetrics(),
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		e, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, nil, fmt.Errorf("encryption key: %w", err)
		}
		enc = e
	} else if cfg.LedgerBackend != config.LedgerMemory {
		deps.Log.Warn().Msg("ENCRYPTION_KEY not set, tokens are stored in plaintext")
	}

	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		deps.Ledger = ledger.NewMemoryLedger()
		deps.TokenStore = auth.NewMemoryTokenStore()
		deps.Log.Warn().Msg("memory ledger selected, reply history is lost on restart")

	case config.LedgerSQLite:
		db, err := database.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite ledger: %w", err)
		}
		cleanups = append(cleanups, func() { db.Close() })
		deps.SQLDB = db

	case config.LedgerPostgres:
		pool, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolSize(cfg.ReplyConcurrency))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		deps.PgPool = pool
		deps.SQLDB = database.NewPostgresSQLX(pool)
		cleanups = append(cleanups, func() {
			deps.SQLDB.Close()
			pool.Close()
		})

	case config.LedgerRedis:
		client, err := database.NewRedis(ctx, cfg.RedisURL, database.PoolSize(cfg.ReplyConcurrency))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		cleanups = append(cleanups, func() { client.Close() })
		deps.Redis = client
		deps.Ledger = cache.NewRedisLedger(client, cfg.ClaimTTL, cfg.LedgerRetention)
		deps.TokenStore = cache.NewRedisTokenStore(client, enc)

	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}

	if deps.SQLDB != nil {
		if err := persistence.Migrate(ctx, deps.SQLDB); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("migrating ledger schema: %w", err)
		}
		deps.Ledger = persistence.NewReplyLedgerAdapter(deps.SQLDB, cfg.ClaimTTL)
		deps.TokenStore = persistence.NewOAuthAdapter(deps.SQLDB, enc)
	}

	if !cfg.HasGoogleCredentials() {
		deps.Log.Warn().Msg("GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, token refresh will fail")
	}
	deps.Credentials = auth.NewCredentialService(
		auth.NewGoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL),
		deps.TokenStore,
		logger.Component("credentials"),
	)
	if err := deps.Credentials.Seed(ctx, cfg.GoogleRefreshToken); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("seeding refresh token: %w", err)
	}

	deps.Gmail = provider.NewGmailAdapter(deps.Credentials, provider.GmailConfig{
		CallTimeout:       cfg.GatewayCallTimeout,
		RequestsPerSecond: cfg.GatewayRPS,
		PageSize:          int64(cfg.InboxPageSize),
		MaxPages:          cfg.InboxMaxPages,
		ExcludeLabel:      cfg.ReplyLabel,
		Transport:         httputil.NewTransport(httputil.GmailClientConfig(cfg.ReplyConcurrency)),
	}, logger.Component("gmail"))

	deps.Owners = reply.NewOwnerDirectory(deps.Gmail, cfg.OwnerNameTTL)
	deps.Engine = reply.NewEngine(deps.Gmail, deps.Ledger, deps.Owners, engineConfig(cfg), logger.Component("reply"))

	deps.Scheduler = worker.NewPollScheduler(
		deps.Gmail,
		deps.Ledger,
		deps.Engine,
		deps.Credentials,
		deps.Metrics,
		worker.PollConfig{
			MinInterval:   cfg.PollMinInterval,
			MaxInterval:   cfg.PollMaxInterval,
			RunOnStart:    cfg.PollRunOnStart,
			CycleTimeout:  cfg.CycleTimeout,
			ThreadTimeout: cfg.ThreadTimeout,
			Concurrency:   cfg.ReplyConcurrency,
			AnsweredTTL:   cfg.AnsweredTTL,
		},
		logger.Component("worker"),
	)

	// Redis expires records itself and the memory ledger has nothing to keep.
	if deps.SQLDB != nil {
		deps.Pruner = worker.NewPruneScheduler(deps.Ledger, cfg.PruneInterval, cfg.LedgerRetention, logger.Component("worker"))
	}

	deps.Log.Info().
		Str("backend", cfg.LedgerBackend).
		Bool("encrypted_tokens", enc != nil).
		Bool("credential_ready", deps.Credentials.Ready(ctx)).
		Msg("dependencies ready")

	return deps, cleanup, nil
}

func engineConfig(cfg *config.Config) reply.Config {
	rc := reply.Config{
		LabelName:       cfg.ReplyLabel,
		BodyTemplate:    cfg.ReplyBody,
		SkipAutomated:   cfg.SkipAutomated,
		RecordMalformed: cfg.RecordMalformed,
	}
	if rc.BodyTemplate == "" {
		rc.BodyTemplate = domain.DefaultReplyBody
	}
	return rc
}
