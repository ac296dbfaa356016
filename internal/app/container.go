package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/drip-email-campaign/internal/config"
	deliveryMock "github.com/acme/drip-email-campaign/internal/delivery/mock"
	"github.com/acme/drip-email-campaign/internal/domain"
	"github.com/acme/drip-email-campaign/internal/infra/db"
	"github.com/acme/drip-email-campaign/internal/infra/redis"
	"github.com/acme/drip-email-campaign/internal/orchestrator"
	"github.com/acme/drip-email-campaign/internal/queue"
	"github.com/acme/drip-email-campaign/internal/repository"
	pgrepo "github.com/acme/drip-email-campaign/internal/repository/postgres"
	scyllarepo "github.com/acme/drip-email-campaign/internal/repository/scylla"
	campaignsvc "github.com/acme/drip-email-campaign/internal/service/campaign"
	"github.com/acme/drip-email-campaign/internal/service/concurrency"
	"github.com/acme/drip-email-campaign/pkg/logger"
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
		services     *services
		publisher    *queue.EventPublisher
		replies      *queue.ReplyPublisher
		limiter      *concurrency.Limiter
		orchestrator *orchestrator.Orchestrator
	}
}

type repositories struct {
	Campaigns repository.CampaignRepository
	Contacts  repository.ContactRepository
	Timeline  repository.AttemptTimeline
}

type services struct {
	Campaign *campaignsvc.Service
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
		repos := &repositories{
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Contacts:  pgrepo.NewContactRepository(c.Postgres.DB()),
			Timeline:  scyllarepo.NewAttemptTimeline(c.Scylla.Session()),
		}

		defaultRetry := domain.RetryPolicy{
			MaxAttempts: c.Config.Retry.MaxAttempts,
			BaseDelay:   c.Config.Retry.BaseDelay,
			MaxDelay:    c.Config.Retry.MaxDelay,
		}
		failureMode := domain.StepFailureMode(c.Config.Engine.StepFailureMode)

		svcs := &services{
			Campaign: campaignsvc.NewService(
				repos.Campaigns,
				repos.Contacts,
				defaultRetry,
				failureMode,
				c.Config.Engine.MaxInFlight,
			),
		}

		publisher := queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventTopic)
		replies := queue.NewReplyPublisher(c.Kafka, c.Config.Kafka.ReplyTopic)
		limiter := concurrency.NewLimiter(c.Redis.Inner(), c.Config.Engine.MaxInFlight, c.Config.Engine.SlotTTL)

		orch := orchestrator.New(
			repos.Campaigns,
			repos.Contacts,
			repos.Timeline,
			deliveryMock.NewGateway(c.Config.Delivery),
			publisher,
			limiter,
			c.Logger.Named("orchestrator"),
			orchestrator.Options{
				MaxInFlight:        c.Config.Engine.MaxInFlight,
				DeliveryTimeout:    c.Config.Delivery.RequestTimeout,
				DefaultRetry:       defaultRetry,
				DefaultFailureMode: failureMode,
			},
		)

		c.components.repositories = repos
		c.components.services = svcs
		c.components.publisher = publisher
		c.components.replies = replies
		c.components.limiter = limiter
		c.components.orchestrator = orch
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publisher exposes the Kafka event publisher.
func (c *Container) Publisher() *queue.EventPublisher {
	c.initComponents()
	return c.components.publisher
}

// ReplyPublisher exposes the reply topic publisher.
func (c *Container) ReplyPublisher() *queue.ReplyPublisher {
	c.initComponents()
	return c.components.replies
}

// Orchestrator exposes the campaign orchestration engine.
func (c *Container) Orchestrator() *orchestrator.Orchestrator {
	c.initComponents()
	return c.components.orchestrator
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.publisher != nil {
		if err := c.components.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if c.components.replies != nil {
		if err := c.components.replies.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reply publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
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
	topics := []string{c.Config.Kafka.ReplyTopic, c.Config.Kafka.EventTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}
