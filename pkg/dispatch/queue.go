package dispatch

import (
	"context"
	"sort"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/pkg/jobqueue"
	"github.com/andrej220/batchexec/pkg/monitor"
	"github.com/andrej220/batchexec/pkg/profile"
	"github.com/andrej220/batchexec/pkg/work"
)

// QueueBackend hands work to a pool of job-queue servers.
type QueueBackend struct {
	engine *jobqueue.Engine
	pool   *jobqueue.ClientPool
	logger lg.Logger
}

// NewQueueBackend reads resource.*, timeout, pollingInterval and prop.*.
// Environment entries cannot be passed through a queue and are rejected.
func NewQueueBackend(conf map[string]string, r *profile.Resolver, opts ...Option) (*QueueBackend, error) {
	o := newOptions(opts)
	if env := profile.Section(conf, KeyEnvPrefix); len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, &profile.ConfigError{Key: KeyEnvPrefix + keys[0], Reason: "job queue does not support environment variables"}
	}
	cfg, err := jobqueue.ParsePoolConfig(conf, r)
	if err != nil {
		return nil, err
	}
	props, err := resolveSection(conf, KeyPropPrefix, r)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With(lg.String("backend", string(KindQueue)))
	pool, err := jobqueue.NewClientPool(cfg.Endpoints, jobqueue.HTTPClientFactory(
		jobqueue.WithHTTPClient(o.httpClient),
		jobqueue.WithClientLogger(logger),
	))
	if err != nil {
		return nil, err
	}
	engine := jobqueue.NewEngine(cfg, pool,
		jobqueue.WithLogger(logger),
		jobqueue.WithProperties(props),
		jobqueue.WithMaxRequests(o.maxRequests),
	)
	logger.Info("job queue backend configured",
		lg.Int("resources", pool.Count()),
		lg.Duration("timeout", cfg.RequestTimeout),
		lg.Duration("pollingInterval", cfg.PollingInterval))
	return &QueueBackend{engine: engine, pool: pool, logger: logger}, nil
}

func (b *QueueBackend) Kind() Kind { return KindQueue }

func (b *QueueBackend) Execute(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	if len(w.Extensions) > 0 {
		names := make([]string, 0, len(w.Extensions))
		for name := range w.Extensions {
			names = append(names, name)
		}
		sort.Strings(names)
		b.logger.Warn("extensions are not supported by the job queue, ignored",
			lg.String("work", w.String()), lg.Any("extensions", names))
	}
	return b.engine.Run(ctx, mon, w)
}

func (b *QueueBackend) CleanUp(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	return b.engine.CleanUp(ctx, mon, w)
}

func (b *QueueBackend) Close() error {
	b.engine.Close()
	return nil
}
