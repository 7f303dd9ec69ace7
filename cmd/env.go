package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/config"
	"github.com/sells-group/equipment-resolver/internal/cost"
	"github.com/sells-group/equipment-resolver/internal/escalation"
	"github.com/sells-group/equipment-resolver/internal/metrics"
	"github.com/sells-group/equipment-resolver/internal/normalize"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/resolve"
	"github.com/sells-group/equipment-resolver/internal/store"
	"github.com/sells-group/equipment-resolver/internal/validate"
	"github.com/sells-group/equipment-resolver/internal/waterfall"
)

// resolverEnv holds everything the serve/resolve/monitor commands share.
type resolverEnv struct {
	Store        store.Store
	Queue        *escalation.Queue
	Orchestrator *resolve.Orchestrator
	Metrics      *metrics.Metrics
	Breakers     *resilience.Breakers
	Normalizer   *normalize.Normalizer
	Chain        *waterfall.ChainConfig
	redis        *redis.Client
}

// Close releases resources held by the environment.
func (e *resolverEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initStoreOnly opens and migrates the store for commands that never touch
// a provider.
func initStoreOnly(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func newNormalizer(c *config.Config) *normalize.Normalizer {
	opts := []normalize.Option{normalize.WithCutoff(c.Normalize.FuzzyCutoff)}
	if len(c.Normalize.Aliases) > 0 {
		opts = append(opts, normalize.WithAliases(c.Normalize.Aliases))
	}
	return normalize.New(opts...)
}

func newValidator(c *config.Config) *validate.Checker {
	vc := validate.DefaultConfig()
	if c.Validation.MinSizeBytes > 0 {
		vc.MinSizeBytes = c.Validation.MinSizeBytes
	}
	if c.Validation.TimeoutSecs > 0 {
		vc.Timeout = time.Duration(c.Validation.TimeoutSecs) * time.Second
	}
	if c.Validation.PerHostRPS > 0 {
		vc.PerHostRPS = c.Validation.PerHostRPS
	}
	if c.Validation.UserAgent != "" {
		vc.UserAgent = c.Validation.UserAgent
	}
	vc.Retry = resilience.FromRetryConfig(c.Chain.RetryMaxAttempts, c.Chain.RetryInitialBackoffMs)
	return validate.NewChecker(vc)
}

// chainConfig loads the tier list (file or defaults) and applies the
// configured thresholds.
func chainConfig(c *config.Config) (*waterfall.ChainConfig, error) {
	chain := waterfall.DefaultChainConfig()
	if c.Chain.ConfigPath != "" {
		loaded, err := waterfall.LoadChainConfig(c.Chain.ConfigPath)
		if err != nil {
			return nil, err
		}
		chain = loaded
	}
	out := *chain
	if c.Chain.IdentifyThreshold > 0 {
		out.Identify.Threshold = c.Chain.IdentifyThreshold
	}
	if c.Chain.DocumentThreshold > 0 {
		out.FindDocument.Threshold = c.Chain.DocumentThreshold
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func newBreakers(c *config.Config) *resilience.Breakers {
	bc := resilience.FromCircuitConfig(c.Chain.CircuitFailureThreshold, c.Chain.CircuitResetSecs)
	bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return resilience.NewBreakers(bc)
}

// initEnv validates config for mode, opens the store, builds the provider
// chains, and wires the orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*resolverEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	env := &resolverEnv{Store: st, Metrics: metrics.New()}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	queueOpts := []escalation.Option{escalation.WithCooldown(cfg.Escalation.Cooldown())}
	if cfg.Redis.Addr != "" {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := env.redis.Ping(ctx).Err(); err != nil {
			zap.L().Warn("redis unreachable, escalation events may be dropped", zap.Error(err))
		}
		queueOpts = append(queueOpts, escalation.WithNotifier(
			escalation.NewRedisNotifier(env.redis, cfg.Escalation.Stream, cfg.Escalation.StreamMaxLen),
		))
	}
	env.Queue = escalation.New(st, queueOpts...)

	env.Normalizer = newNormalizer(cfg)
	calc := cost.NewCalculator(cfg.Pricing)
	reg := buildRegistry(cfg, env.Normalizer, calc, http.DefaultClient)

	chain, err := chainConfig(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Chain = chain.Effective(reg)
	if len(env.Chain.Identify.Tiers) == 0 && len(env.Chain.FindDocument.Tiers) == 0 {
		zap.L().Warn("no providers configured, every cache miss will be escalated")
	}

	validator := newValidator(cfg)
	env.Breakers = newBreakers(cfg)
	executor := waterfall.NewExecutor(env.Chain, reg,
		waterfall.WithValidator(validator),
		waterfall.WithEvaluator(waterfall.NewEvaluator(env.Normalizer)),
		waterfall.WithBreakers(env.Breakers),
		waterfall.WithObserver(env.Metrics.ObserveAttempt),
	)

	resolveOpts := []resolve.Option{
		resolve.WithNormalizer(env.Normalizer),
		resolve.WithObserver(env.Metrics.ObserveResolution),
	}
	if cfg.Validation.RevalidateOnHit {
		resolveOpts = append(resolveOpts, resolve.WithRevalidator(validator))
	}
	env.Orchestrator = resolve.New(st, executor, env.Queue, resolveOpts...)

	zap.L().Info("resolver ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("identify_tiers", tierNames(env.Chain.Identify)),
		zap.Strings("document_tiers", tierNames(env.Chain.FindDocument)),
	)
	return env, nil
}

func tierNames(kc waterfall.KindConfig) []string {
	names := make([]string, len(kc.Tiers))
	for i, t := range kc.Tiers {
		names[i] = t.Name
	}
	return names
}
