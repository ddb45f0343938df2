package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/treasuryd/internal/blob/s3"
	"github.com/alanyoungcy/treasuryd/internal/cache/local"
	"github.com/alanyoungcy/treasuryd/internal/cache/redis"
	"github.com/alanyoungcy/treasuryd/internal/config"
	"github.com/alanyoungcy/treasuryd/internal/crypto"
	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/ledger/evm"
	"github.com/alanyoungcy/treasuryd/internal/ledger/memledger"
	"github.com/alanyoungcy/treasuryd/internal/notify"
	"github.com/alanyoungcy/treasuryd/internal/server/handler"
	"github.com/alanyoungcy/treasuryd/internal/service"
	"github.com/alanyoungcy/treasuryd/internal/store/memory"
	"github.com/alanyoungcy/treasuryd/internal/store/postgres"
)

// localStreamMaxLen bounds the in-process settlement stream.
const localStreamMaxLen = 10_000

// Dependencies bundles every collaborator the modes need. It is constructed
// by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Ledger domain.LedgerClient
	Signer *crypto.Signer
	// Asset is what the verifier requires a consumption transfer to carry.
	Asset string

	// Stores
	VerifiedStore   domain.VerifiedTxStore
	ObligationStore domain.ObligationStore
	BetStore        domain.BetStore
	AuctionStore    domain.AuctionStore
	ReferralStore   domain.ReferralStore
	SettlementStore domain.SettlementStore
	AuditStore      domain.AuditStore

	// Caches
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil when S3 is disabled.
	Reports    domain.ReportSink
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier

	// Checks back the health endpoint, keyed by dependency name.
	Checks map[string]handler.Check

	// Services
	Builder     *service.Builder
	Verifier    *service.Verifier
	Distributor *service.Distributor
	Queue       *service.ObligationQueue
	Auctions    *service.AuctionService
	Predictions *service.PredictionService
	Referrals   *service.ReferralService
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- Platform identity ---
	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: signer: %w", err))
	}
	deps.Signer = signer

	// --- Ledger ---
	switch cfg.Ledger.Driver {
	case "memory":
		deps.Ledger = memledger.New()
		deps.Asset = memledger.Asset
	default:
		client, err := evm.Dial(ctx, evm.Config{
			RPCURL:         cfg.Ledger.RPCURL,
			ChainID:        cfg.Ledger.ChainID,
			TokenAddress:   cfg.Ledger.TokenAddress,
			RouterAddress:  cfg.Ledger.RouterAddress,
			ConfirmTimeout: cfg.Ledger.ConfirmTimeout.Duration,
			PollInterval:   cfg.Ledger.PollInterval.Duration,
			GasLimit:       cfg.Ledger.GasLimit,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: ledger: %w", err))
		}
		closers = append(closers, client.Close)
		deps.Ledger = client
		deps.Asset = cfg.Ledger.TokenAddress
		deps.Checks["ledger"] = func(ctx context.Context) error {
			_, err := client.LatestSequencingToken(ctx)
			return err
		}
	}

	// --- Stores: Postgres for a real ledger, maps for the simulated one ---
	if cfg.Ledger.Driver == "memory" {
		stores := memory.New(nil)
		deps.VerifiedStore = stores.Verified
		deps.ObligationStore = stores.Obligations
		deps.BetStore = stores.Bets
		deps.AuctionStore = stores.Auctions
		deps.ReferralStore = stores.Referrals
		deps.SettlementStore = stores.Settlements
		deps.AuditStore = stores.Audit
	} else {
		pgClient, err := openPostgres(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "applied migrations", slog.Any("files", applied))
			}
		}

		pool := pgClient.Pool()
		deps.VerifiedStore = postgres.NewVerifiedTxStore(pool)
		deps.ObligationStore = postgres.NewObligationStore(pool)
		deps.BetStore = postgres.NewBetStore(pool)
		deps.AuctionStore = postgres.NewAuctionStore(pool)
		deps.ReferralStore = postgres.NewReferralStore(pool)
		deps.SettlementStore = postgres.NewSettlementStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis, or in-process equivalents for a single instance ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  "treasuryd:",
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "redis disabled; locks and rate limits are local to this process")
		deps.RateLimiter = local.NewRateLimiter()
		deps.LockManager = local.NewLockManager()
		deps.SignalBus = local.NewSignalBus(localStreamMaxLen)
	}

	// --- S3 reports and audit archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		writer := s3blob.NewWriter(s3Client)
		deps.Reports = s3blob.NewReportSink(writer, signer)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewAuditArchiver(writer, deps.AuditStore)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	wireServices(deps, cfg, logger)
	return deps, cleanup, nil
}

func wireServices(deps *Dependencies, cfg *config.Config, logger *slog.Logger) {
	e := cfg.Engine
	treasury := cfg.Treasury.Address
	// The signer lock must outlive the ledger's confirmation wait.
	signerTTL := cfg.Ledger.ConfirmTimeout.Duration + time.Minute

	deps.Builder = service.NewBuilder(deps.Ledger, deps.RateLimiter, service.BuilderConfig{
		TreasuryAddress: treasury,
		RateLimit:       e.BuildRateLimit,
		RateWindow:      time.Minute,
	}, logger)
	deps.Verifier = service.NewVerifier(deps.Ledger, deps.VerifiedStore, deps.AuditStore, service.VerifierConfig{
		TreasuryAddress: treasury,
		Asset:           deps.Asset,
		FreshnessWindow: e.FreshnessWindow.Duration,
	}, logger)
	// Payouts and auction instructions share one nonce sequence.
	gate := service.NewSignerGate(deps.Signer, deps.LockManager, signerTTL, 0)
	deps.Distributor = service.NewDistributor(deps.Ledger, gate, deps.AuditStore, logger)
	deps.Queue = service.NewObligationQueue(deps.ObligationStore, deps.Distributor, deps.Ledger,
		deps.LockManager, deps.AuditStore, deps.Notifier, service.QueueConfig{
			Threshold:    e.BatchThreshold,
			UnknownGrace: e.UnknownGrace.Duration,
		}, logger)
	deps.Auctions = service.NewAuctionService(deps.Ledger, deps.AuctionStore, gate, deps.LockManager,
		deps.AuditStore, deps.SignalBus, service.AuctionConfig{
			TreasuryAddress:  treasury,
			EscalationBps:    e.EscalationBps,
			PreviousOwnerBps: e.PreviousOwnerBps,
			LockTTL:          signerTTL,
		}, logger)
	deps.Predictions = service.NewPredictionService(service.PredictionDeps{
		Bets:        deps.BetStore,
		Settlements: deps.SettlementStore,
		Builder:     deps.Builder,
		Verifier:    deps.Verifier,
		Payer:       deps.Distributor,
		Queue:       deps.Queue,
		Ledger:      deps.Ledger,
		Locks:       deps.LockManager,
		Reports:     deps.Reports,
		Audit:       deps.AuditStore,
		Bus:         deps.SignalBus,
		Alerts:      deps.Notifier,
	}, service.PredictionConfig{
		TreasuryAddress:    treasury,
		FeeBps:             e.FeeBps,
		IncludeUnconfirmed: e.IncludeUnconfirmedBets,
		UnknownGrace:       e.UnknownGrace.Duration,
	}, logger)
	deps.Referrals = service.NewReferralService(deps.ReferralStore, deps.Distributor, deps.Queue, deps.AuditStore,
		service.ReferralConfig{CommissionBps: e.CommissionBps, Threshold: e.BatchThreshold}, logger)
}

// loadSigner resolves the platform key. The simulated ledger falls back to a
// throwaway key when none is configured.
func loadSigner(cfg *config.Config, logger *slog.Logger) (*crypto.Signer, error) {
	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	}
	if keyCfg.RawPrivateKey == "" && keyCfg.EncryptedKeyPath == "" && cfg.Ledger.Driver == "memory" {
		signer, err := crypto.GenerateSigner()
		if err != nil {
			return nil, err
		}
		logger.Warn("no platform key configured; using an ephemeral key",
			slog.String("address", signer.Address()),
		)
		return signer, nil
	}
	hexKey, err := crypto.LoadKey(keyCfg)
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(hexKey)
}

func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Client, error) {
	client, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: postgres: %w", err)
	}
	return client, nil
}
