package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/restokit/restokit/pkg/billing"
	"github.com/restokit/restokit/pkg/config"
	"github.com/restokit/restokit/pkg/entitlement"
	"github.com/restokit/restokit/pkg/gateway"
	"github.com/restokit/restokit/pkg/httpserver"
	"github.com/restokit/restokit/pkg/logger"
	"github.com/restokit/restokit/pkg/pg"
	"github.com/restokit/restokit/pkg/plan"
	"github.com/restokit/restokit/pkg/redis"
	billingsvc "github.com/restokit/restokit/svc/billing"
)

type appConfig struct {
	Logger logger.Config
	HTTP   httpserver.Config
	PG     pg.Config

	PlansPath string `env:"PLANS_PATH" envDefault:"configs/plans.yaml"`

	RedisEnabled bool `env:"REDIS_ENABLED" envDefault:"false"`
	Redis        redis.Config

	StripeEnabled bool `env:"STRIPE_ENABLED" envDefault:"false"`
	Stripe        gateway.StripeConfig
	// JSON object mapping internal plan IDs to Stripe price IDs.
	StripePlanPrices string `env:"STRIPE_PLAN_PRICES" envDefault:"{}"`

	PaddleEnabled bool `env:"PADDLE_ENABLED" envDefault:"false"`
	Paddle        gateway.PaddleConfig
	// JSON object mapping internal plan IDs to Paddle catalog price IDs.
	PaddlePlanPrices string `env:"PADDLE_PLAN_PRICES" envDefault:"{}"`

	TrialWithoutGateway bool `env:"BILLING_TRIAL_WITHOUT_GATEWAY" envDefault:"false"`
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.NewFromConfig(cfg.Logger, logger.WithAttrs(slog.String("service", "billingd")))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("billingd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return err
	}

	catalog, err := plan.NewCatalog(ctx, plan.NewFileSource(cfg.PlansPath))
	if err != nil {
		return err
	}

	var providers []gateway.Gateway
	if cfg.StripeEnabled {
		var prices gateway.StripePlanPrices
		if err := json.Unmarshal([]byte(cfg.StripePlanPrices), &prices); err != nil {
			return err
		}
		stripe, err := gateway.NewStripeGateway(cfg.Stripe, prices)
		if err != nil {
			return err
		}
		providers = append(providers, stripe)
	}
	if cfg.PaddleEnabled {
		var prices gateway.PaddlePlanPrices
		if err := json.Unmarshal([]byte(cfg.PaddlePlanPrices), &prices); err != nil {
			return err
		}
		paddle, err := gateway.NewPaddleGateway(cfg.Paddle, prices)
		if err != nil {
			return err
		}
		providers = append(providers, paddle)
	}
	registry := gateway.NewRegistry(providers...)
	if registry.Empty() {
		log.Warn("no payment providers configured, checkout is limited to free plans and trials")
	}

	subs := billing.NewPgSubscriptionStore(pool)
	attempts := billing.NewPgAttemptStore(pool)
	trials := billing.NewPgTrialGrantStore(pool)

	manager := billing.NewManager(catalog, registry, subs, attempts, trials,
		billing.WithLogger(log),
		billing.WithTrialWithoutGateway(cfg.TrialWithoutGateway))

	schedulerOpts := []billing.SchedulerOption{
		billing.WithSchedulerLogger(log),
	}
	if cfg.RedisEnabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		schedulerOpts = append(schedulerOpts,
			billing.WithLeaser(billing.NewRedisLeaser(client, "billingd:scheduler:lease")))
	}
	scheduler := billing.NewScheduler(manager, subs, schedulerOpts...)

	resolver := entitlement.NewResolver(subs, catalog, entitlement.WithLogger(log))
	webhooks := billing.NewWebhookProcessor(manager, registry, log)
	handler := billingsvc.NewHandler(catalog, manager, resolver, webhooks, billingsvc.HeaderTenantID, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/", handler.Router())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Start(ctx)
	})
	g.Go(func() error {
		return httpserver.New(cfg.HTTP, log).Run(ctx, r)
	})
	return g.Wait()
}
