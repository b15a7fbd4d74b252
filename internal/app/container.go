package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/callstate"
	"github.com/acme/campaign-dialer/internal/compliance"
	"github.com/acme/campaign-dialer/internal/config"
	"github.com/acme/campaign-dialer/internal/dialer"
	"github.com/acme/campaign-dialer/internal/dialqueue"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/infra/db"
	"github.com/acme/campaign-dialer/internal/infra/redis"
	"github.com/acme/campaign-dialer/internal/metrics"
	"github.com/acme/campaign-dialer/internal/queue"
	"github.com/acme/campaign-dialer/internal/registry"
	"github.com/acme/campaign-dialer/internal/repository"
	pgrepo "github.com/acme/campaign-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/campaign-dialer/internal/repository/scylla"
	"github.com/acme/campaign-dialer/internal/telephony"
	telephonymock "github.com/acme/campaign-dialer/internal/telephony/mock"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		publishers   *publishers
		pipeline     *pipeline
	}
}

type repositories struct {
	Campaigns repository.CampaignRepository
	Windows   repository.CallWindowRepository
	Prospects repository.ProspectRepository
	Stats     repository.CampaignStatisticsRepository
	Attempts  repository.AttemptStore
}

type publishers struct {
	Events      *queue.EventPublisher
	Completions *queue.CompletionPublisher
}

// pipeline is the in-process dialing engine: state machine, prospect queue,
// compliance gate, metrics, dispatch controller and campaign registry.
type pipeline struct {
	Machine    *callstate.Machine
	Queue      *dialqueue.Manager
	Gate       *compliance.Gate
	Aggregator *metrics.Aggregator
	Controller *dialer.Controller
	Registry   *registry.Registry
	Provider   telephony.Provider
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Windows:   pgrepo.NewCallWindowRepository(c.Postgres.DB()),
			Prospects: pgrepo.NewProspectRepository(c.Postgres.DB()),
			Stats:     pgrepo.NewCampaignStatisticsRepository(c.Postgres.DB()),
			Attempts:  scyllarepo.NewAttemptStore(c.Scylla.Session()),
		}

		pubs := &publishers{
			Events:      queue.NewEventPublisher(c.Kafka, cfg.Kafka.CallEventsTopic),
			Completions: queue.NewCompletionPublisher(c.Kafka, cfg.Kafka.CompletionsTopic, c.Logger),
		}

		machine := callstate.NewMachine(repos.Attempts, c.Logger)

		// Selection-time filtering stays local and non-blocking; the full
		// gate, including the external DNC registry, runs again at dispatch.
		filter := func(campaign *domain.Campaign, prospect *domain.Prospect, now time.Time) bool {
			if !prospect.Dialable() {
				return false
			}
			if campaign.RequireConsent && !prospect.ConsentGiven {
				return false
			}
			return campaign.WithinCallWindow(now, prospect.TimeZone)
		}
		queueMgr := dialqueue.NewManager(filter, cfg.Queue.ReservationTTL, c.Logger)

		// Without a registry endpoint the gate relies on the prospect's own
		// dnc_listed flag alone.
		var dncRegistry compliance.Registry
		if cfg.Compliance.RegistryURL != "" {
			upstream := compliance.NewHTTPRegistry(cfg.Compliance.RegistryURL, cfg.Compliance.RegistryTimeout)
			dncRegistry = compliance.NewCachedRegistry(upstream, c.Redis.Inner(), cfg.Compliance.DNCCacheTTL)
		}
		gate := compliance.NewGate(dncRegistry, c.Logger)

		agg := metrics.NewAggregator(
			&statsSink{stats: repos.Stats},
			cfg.Metrics.FlushInterval,
			c.Logger,
		)

		provider := telephonymock.NewProvider()

		var slots dialer.SlotPool
		if cfg.Dialer.DistributedSlots && c.Redis != nil {
			slots = dialer.NewRedisPool(c.Redis.Inner(), cfg.Dialer.GlobalConcurrency, 2*cfg.Dialer.RingTimeout)
		} else {
			slots = dialer.NewMemoryPool(cfg.Dialer.GlobalConcurrency)
		}

		reg := registry.New(
			repos.Campaigns,
			repos.Windows,
			repos.Prospects,
			repos.Stats,
			queueMgr,
			machine,
			provider,
			agg,
			c.Logger,
		)

		ctrl := dialer.NewController(
			dialer.Config{
				Workers:          cfg.Dialer.Workers,
				GlobalLimit:      cfg.Dialer.GlobalConcurrency,
				RingTimeout:      cfg.Dialer.RingTimeout,
				ReclaimInterval:  cfg.Dialer.ReclaimInterval,
				BreakerThreshold: cfg.Dialer.BreakerThreshold,
				BreakerWindow:    cfg.Dialer.BreakerWindow,
				BreakerCooldown:  cfg.Dialer.BreakerCooldown,
			},
			slots,
			queueMgr,
			gate,
			machine,
			provider,
			reg,
			agg,
			c.Logger,
		)
		ctrl.OnDrained(reg.HandleDrained)
		ctrl.OnComplianceDrop(reg.HandleComplianceDrop)
		reg.SetDialer(ctrl)

		// Completion handlers fire synchronously in registration order: the
		// registry applies retry policy and persists the prospect first, then
		// counters move, then the completion fans out, then the slot frees.
		machine.OnCompletion(reg.HandleCompletion)
		machine.OnCompletion(agg.HandleCompletion)
		machine.OnCompletion(pubs.Completions.HandleCompletion)
		machine.OnCompletion(ctrl.HandleCompletion)

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.pipeline = &pipeline{
			Machine:    machine,
			Queue:      queueMgr,
			Gate:       gate,
			Aggregator: agg,
			Controller: ctrl,
			Registry:   reg,
			Provider:   provider,
		}
	})
}

// statsSink adapts the durable statistics repository to the aggregator's
// flush interface.
type statsSink struct {
	stats repository.CampaignStatisticsRepository
}

func (s *statsSink) FlushCampaign(ctx context.Context, campaignID uuid.UUID, delta metrics.Delta) error {
	return s.stats.ApplyDelta(ctx, campaignID, repository.StatsDelta{
		CallsMadeDelta:      delta.CallsMade,
		CallsAnsweredDelta:  delta.CallsAnswered,
		CallsCompletedDelta: delta.CallsCompleted,
		CallsFailedDelta:    delta.CallsFailed,
		DurationMsDelta:     delta.DurationMs,
		RevenueCentsDelta:   delta.RevenueCents,
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Pipeline exposes the dialing engine components.
func (c *Container) Pipeline() *pipeline {
	c.initComponents()
	return c.components.pipeline
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Events != nil {
			if err := p.Events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event publisher close: %w", err))
			}
		}
		if p.Completions != nil {
			if err := p.Completions.Close(); err != nil {
				errs = append(errs, fmt.Errorf("completion publisher close: %w", err))
			}
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.CallEventsTopic, c.Config.Kafka.CompletionsTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 48, 1)
}
