package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/arbiter"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/crank"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/oracle"
	"escrowflow/outbox"
	"escrowflow/pgstore"
	"escrowflow/protocol"
	"escrowflow/store"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Color)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalw("service stopped", "error", err)
	}
}

// backend bundles the storage-facing collaborators for one STORE_BACKEND.
type backend struct {
	store  store.Store
	ledger ledger.Ledger
	source outbox.Source
	users  auth.Repository
	funder Funder
	close  func()
}

func run(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	params, err := protocolConfig(cfg)
	if err != nil {
		return err
	}
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	svc := protocol.NewService(be.store, be.ledger, params).
		WithLogger(logger.Named("protocol"))
	if cfg.OraclePrices != "" {
		prices, err := oracle.ParseStatic(cfg.OraclePrices)
		if err != nil {
			return fmt.Errorf("oracle prices: %w", err)
		}
		svc.WithQuoter(prices)
	}

	tokens := auth.NewService(be.users, cfg.JWTSecret, cfg.TokenTTL)
	if cfg.AdminID != "" {
		if err := tokens.Seed(ctx, cfg.AdminID, cfg.AdminSecret, auth.RoleAdmin); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	relay := outbox.NewRelay(be.source, publisher, cfg.Outbox.Interval, cfg.Outbox.BatchSize).
		WithLogger(logger.Named("outbox"))
	cr := crank.New(svc, cfg.CrankInterval, 0).WithLogger(logger.Named("crank"))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewServer(svc, tokens, be.funder, logger.Named("http")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("http server listening", "addr", cfg.HTTPAddr, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return cr.Run(ctx) })
	return g.Wait()
}

// protocolConfig maps the environment onto protocol parameters and rejects
// an arbiter policy that selection or slashing cannot work with.
func protocolConfig(cfg config.Config) (protocol.Config, error) {
	p := protocol.DefaultConfig()
	p.StakeAsset = cfg.Protocol.StakeAsset
	p.Arbiters = arbiter.Policy{
		MinStake:           cfg.Protocol.MinStake,
		BaselineReputation: p.Arbiters.BaselineReputation,
		ResolutionReward:   cfg.Protocol.ResolutionReward,
		OverturnPenalty:    cfg.Protocol.OverturnPenalty,
		SlashBps:           cfg.Protocol.SlashBps,
		Cooldown:           cfg.Protocol.Cooldown,
		CooldownDivisor:    p.Arbiters.CooldownDivisor,
	}
	p.Disputes = dispute.Policy{
		AppealWindow: cfg.Protocol.AppealWindow,
		MaxAppeals:   cfg.Protocol.MaxAppeals,
	}
	if cfg.AdminID != "" {
		p.Admins = []string{cfg.AdminID}
	}
	if err := p.Arbiters.Validate(); err != nil {
		return protocol.Config{}, fmt.Errorf("protocol config: %w", err)
	}
	return p, nil
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.Backend == "postgres" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return backend{}, fmt.Errorf("bootstrap database pool: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return backend{}, err
		}
		// Store transactions post to the ledger while holding their connection,
		// so the ledger draws from its own pool.
		ledgerPool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
		if err != nil {
			pool.Close()
			return backend{}, fmt.Errorf("bootstrap ledger pool: %w", err)
		}
		l := ledger.NewPostgres(ledgerPool)
		return backend{
			store:  pgstore.New(pool),
			ledger: l,
			source: outbox.NewPGSource(pool, cfg.Outbox.MaxAttempts),
			users:  auth.NewRepository(pool),
			funder: l,
			close: func() {
				ledgerPool.Close()
				pool.Close()
			},
		}, nil
	}

	mem := store.NewMemory()
	l := ledger.NewMemory()
	seeds, err := parseLedgerSeed(cfg.LedgerSeed)
	if err != nil {
		return backend{}, err
	}
	for _, s := range seeds {
		l.Fund(ledger.Party(s.party), s.asset, s.amount)
	}
	return backend{
		store:  mem,
		ledger: l,
		source: outbox.NewMemorySource(mem, cfg.Outbox.MaxAttempts),
		users:  auth.NewMemoryRepository(),
		funder: memoryFunder{l},
		close:  func() {},
	}, nil
}

type memoryFunder struct{ l *ledger.Memory }

func (f memoryFunder) Fund(_ context.Context, account ledger.Account, asset string, amount uint64) error {
	f.l.Fund(account, asset, amount)
	return nil
}

type ledgerSeed struct {
	party  string
	asset  string
	amount uint64
}

// parseLedgerSeed reads "party:ASSET:amount" entries separated by commas.
func parseLedgerSeed(raw string) ([]ledgerSeed, error) {
	var out []ledgerSeed
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("ledger seed %q: want party:ASSET:amount", entry)
		}
		amount, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ledger seed %q: %w", entry, err)
		}
		out = append(out, ledgerSeed{party: parts[0], asset: parts[1], amount: amount})
	}
	return out, nil
}

func newPublisher(cfg config.Config, logger *zap.SugaredLogger) (outbox.Publisher, func(), error) {
	if len(cfg.Outbox.KafkaBrokers) == 0 {
		return outbox.LogPublisher{Log: logger.Named("events")}, func() {}, nil
	}
	p, err := outbox.NewKafkaPublisher(cfg.Outbox.KafkaBrokers, cfg.Outbox.TopicPrefix)
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Close(); err != nil {
			logger.Warnw("close kafka writer", "error", err)
		}
	}, nil
}
