// Package bootstrap opens the backing services and assembles the lifecycle
// engine for the service binary and the admin tool.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"application-lifecycle/internal/catalog"
	"application-lifecycle/internal/common/aws"
	"application-lifecycle/internal/common/camunda"
	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/observability"
	"application-lifecycle/internal/gateway"
	"application-lifecycle/internal/lifecycle/service"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/notify"
	"application-lifecycle/internal/search"
)

// RetryWithBackoff runs operation until it succeeds, doubling the delay
// between attempts.
func RetryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

// Options selects the optional connections.
type Options struct {
	// Zeebe connects to the workflow broker for workers and status messages.
	Zeebe bool
	// Attempts bounds each connection retry loop. Zero means 10.
	Attempts int
}

// Deps are the opened backing services.
type Deps struct {
	Config   *config.Config
	Postgres *database.PostgresClient
	Redis    *database.RedisClient
	// Elasticsearch is nil when search is disabled.
	Elasticsearch *database.ElasticsearchClient
	// Zeebe is nil unless requested.
	Zeebe *camunda.Client
}

// Connect opens Postgres, Redis and, as configured, Elasticsearch and Zeebe.
// Every connection is retried with backoff.
func Connect(ctx context.Context, cfg *config.Config, log logger.Logger, opts Options) (*Deps, error) {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 10
	}
	d := &Deps{Config: cfg}

	err := RetryWithBackoff(func() error {
		pg, err := database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return err
		}
		d.Postgres = pg
		return nil
	}, attempts, 2*time.Second, log, "PostgreSQL connection")
	if err != nil {
		return nil, err
	}
	log.Info("PostgreSQL connected", nil)

	err = RetryWithBackoff(func() error {
		rc, err := database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		if err := rc.Ping(ctx); err != nil {
			rc.Close()
			return err
		}
		d.Redis = rc
		return nil
	}, attempts, 2*time.Second, log, "Redis connection")
	if err != nil {
		d.Close()
		return nil, err
	}
	log.Info("Redis connected", nil)

	if cfg.Search.Enabled {
		err = RetryWithBackoff(func() error {
			es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			if err := es.Ping(ctx); err != nil {
				return err
			}
			d.Elasticsearch = es
			return nil
		}, attempts, 2*time.Second, log, "Elasticsearch connection")
		if err != nil {
			d.Close()
			return nil, err
		}
		log.Info("Elasticsearch connected", nil)
	}

	if opts.Zeebe {
		err = RetryWithBackoff(func() error {
			zc, err := camunda.NewClientWithConfig(&camunda.ClientConfig{
				GatewayAddress:         cfg.Camunda.BrokerAddress,
				UsePlaintextConnection: true,
				ConnectionTimeout:      10 * time.Second,
				RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
			})
			if err != nil {
				return err
			}
			d.Zeebe = zc
			return nil
		}, attempts, 2*time.Second, log, "Zeebe client initialization")
		if err != nil {
			d.Close()
			return nil, err
		}
		log.Info("Zeebe client connected", nil)
	}

	return d, nil
}

// Close releases every open connection.
func (d *Deps) Close() {
	if d.Zeebe != nil {
		d.Zeebe.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Postgres != nil {
		d.Postgres.Close()
	}
}

// Components is the assembled engine with the collaborators the outer
// surfaces also need.
type Components struct {
	Engine  *service.Engine
	Catalog *catalog.Cached
	Gateway *gateway.HTTPGateway
	// Indexer is nil when search is disabled.
	Indexer *search.Indexer
}

// EngineConfig maps the lifecycle settings onto engine rules.
func EngineConfig(cfg *config.Config) service.Config {
	return service.Config{
		Currency:            cfg.Lifecycle.Currency,
		RefundWindow:        cfg.Lifecycle.RefundWindow(),
		ReconciliationGrace: config.GetDuration(cfg.Lifecycle.ReconciliationGrace),
		PaymentLockTTL:      config.GetDuration(cfg.Lifecycle.PaymentLockTTL),
		ReferencePrefix:     cfg.Lifecycle.ReferencePrefix,
	}
}

// Build assembles the engine over d.
func (d *Deps) Build(ctx context.Context, log logger.Logger, obs *observability.Observability) (*Components, error) {
	cfg := d.Config

	gw, err := gateway.New(cfg.Payments, log)
	if err != nil {
		return nil, err
	}
	cat := catalog.NewCached(
		catalog.NewPostgresSource(d.Postgres.DB),
		d.Redis.Client,
		config.GetDuration(cfg.Lifecycle.CatalogCacheTTL),
		log,
	)

	opts := []service.Option{
		service.WithLocker(database.NewLocker(d.Redis.Client, "lifecycle:")),
	}
	if obs != nil {
		opts = append(opts, service.WithObservability(obs))
	}

	alerter, err := d.alerter(ctx, log)
	if err != nil {
		return nil, err
	}
	opts = append(opts, service.WithAlerter(alerter))

	if d.Zeebe != nil {
		opts = append(opts, service.WithPublisher(notify.NewWorkflowPublisher(d.Zeebe)))
	}

	var indexer *search.Indexer
	if d.Elasticsearch != nil {
		indexer = search.NewIndexer(d.Elasticsearch.Client, cfg.Search.ApplicationIndex, log)
		if err := indexer.EnsureIndex(ctx); err != nil {
			return nil, fmt.Errorf("ensure search index: %w", err)
		}
		opts = append(opts, service.WithProjector(indexer))
	}

	engine := service.NewEngine(store.NewPostgres(d.Postgres.DB), cat, gw, EngineConfig(cfg), log, opts...)
	return &Components{Engine: engine, Catalog: cat, Gateway: gw, Indexer: indexer}, nil
}

func (d *Deps) alerter(ctx context.Context, log logger.Logger) (service.Alerter, error) {
	alerts := d.Config.Notifications.Alerts
	if !alerts.Enabled {
		return notify.NewLogAlerter(log), nil
	}
	ses, err := aws.NewSESClient(ctx, d.Config.Notifications.AWS.Region)
	if err != nil {
		return nil, fmt.Errorf("create SES client: %w", err)
	}
	return notify.NewEmailAlerter(ses, alerts.FromEmail, alerts.ToEmails, log), nil
}

// StatusPublisher returns the SNS publisher used by the status-change worker,
// or nil when status events are disabled.
func (d *Deps) StatusPublisher(ctx context.Context, log logger.Logger) (*notify.TopicStatusPublisher, error) {
	events := d.Config.Notifications.StatusEvents
	if !events.Enabled {
		return nil, nil
	}
	sns, err := aws.NewSNSClient(ctx, d.Config.Notifications.AWS.Region)
	if err != nil {
		return nil, fmt.Errorf("create SNS client: %w", err)
	}
	return notify.NewTopicStatusPublisher(sns, events.TopicARN, log), nil
}
