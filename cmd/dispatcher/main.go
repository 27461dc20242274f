// Dispatcher accepts work descriptions over HTTP and Kafka, runs them on the
// configured backend and publishes the outcome of every execution.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/internal/persistence"
	"github.com/andrej220/batchexec/internal/serverutil"
	"github.com/andrej220/batchexec/pkg/config"
	"github.com/andrej220/batchexec/pkg/consumer"
	"github.com/andrej220/batchexec/pkg/dispatch"
	"github.com/andrej220/batchexec/pkg/models"
	"github.com/andrej220/batchexec/pkg/producer"
	"github.com/andrej220/batchexec/pkg/profile"
	"github.com/andrej220/batchexec/pkg/workerpool"
)

const readRetryDelay = time.Second

func main() {
	logger := lg.New(lg.NewConfigFromFlags(SERVICENAME))
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Error("fatal error", lg.Err(err))
		os.Exit(1)
	}
}

func run(logger lg.Logger) error {
	settings, err := Load()
	if err != nil {
		return err
	}
	kind, err := dispatch.ParseKind(settings.Backend)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeType, storeCfg, err := settings.StoreConfig()
	if err != nil {
		return err
	}
	store, err := config.NewStore(storeType, storeCfg)
	if err != nil {
		return err
	}
	defer config.Close(store)

	conf, err := config.LoadProfile(store)
	if err != nil {
		return err
	}

	resolver := profile.NewResolver(nil)
	if settings.ProfileVarsEnv {
		resolver = profile.EnvResolver()
	}
	factory := func(conf map[string]string) (dispatch.Backend, error) {
		return dispatch.New(kind, conf, resolver,
			dispatch.WithLogger(logger),
			dispatch.WithMaxRequests(settings.MaxRequests))
	}
	backend, err := factory(conf)
	if err != nil {
		return err
	}

	opts := []ServiceOption{WithBackendFactory(factory)}
	outcomes, closeStore, err := outcomeStore(ctx, settings)
	if err != nil {
		return err
	}
	defer closeStore()
	if outcomes != nil {
		opts = append(opts, WithOutcomeStore(outcomes))
	}
	if settings.KafkaEnabled() {
		prod := producer.New(producer.Config{Brokers: settings.KafkaBrokers, Topic: settings.OutcomeTopic}, logger)
		defer prod.Close()
		opts = append(opts, WithPublisher(prod))
	}

	svc := NewService(backend, settings.Workers, logger, opts...)
	defer svc.Stop()

	if settings.ProfileWatch {
		err := config.WatchProfile(ctx, store,
			func(conf map[string]string) { svc.Reload(conf) },
			func(err error) { logger.Error("failed to reload profile", lg.Err(err)) })
		if err != nil {
			logger.Warn("profile store cannot be watched, reload disabled", lg.Err(err))
		}
	}

	logger.Info("starting service",
		lg.String("service", SERVICENAME),
		lg.String("port", settings.Port),
		lg.String("backend", string(kind)),
		lg.Int("workers", settings.Workers),
		lg.Bool("kafka", settings.KafkaEnabled()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srvCfg := serverutil.DefaultServerConfig()
		srvCfg.Port = settings.Port
		srvCfg.Logger = logger
		return serverutil.RunServer(gctx, svc.Routes(), srvCfg)
	})
	if settings.KafkaEnabled() {
		cons := consumer.NewConsumer[models.Request](consumer.Config{
			Brokers: settings.KafkaBrokers,
			GroupID: settings.KafkaGroup,
			Topic:   settings.RequestTopic,
		})
		defer cons.Close()
		g.Go(func() error {
			consume(gctx, cons, svc, logger)
			return nil
		})
	}
	return g.Wait()
}

type requestSource interface {
	Handle(ctx context.Context, fn func(context.Context, models.Request) error) error
}

// consume feeds requests from src into svc until ctx is done. A request is
// acknowledged once svc accepted or permanently rejected it.
func consume(ctx context.Context, src requestSource, svc *Service, logger lg.Logger) {
	submit := func(ctx context.Context, req models.Request) error {
		logger.Debug("received request", lg.String("work", req.Work.String()))
		_, err := svc.Submit(ctx, req)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, profile.ErrConfiguration), errors.Is(err, ErrDuplicate):
			logger.Error("request rejected", lg.String("work", req.Work.String()), lg.Err(err))
			return nil
		}
		return err
	}
	for {
		err := src.Handle(ctx, submit)
		if ctx.Err() != nil {
			return
		}
		var derr *consumer.DecodeError
		switch {
		case err == nil:
			continue
		case errors.As(err, &derr):
			logger.Error("dropped malformed request", lg.Int64("offset", derr.Offset), lg.Err(err))
			continue
		case errors.Is(err, workerpool.ErrPoolStopped):
			logger.Info("service stopped, request left unacknowledged", lg.Err(err))
			return
		}
		logger.Error("failed to read request", lg.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(readRetryDelay):
		}
	}
}

// outcomeStore picks MongoDB when a collection is named, else a directory.
func outcomeStore(ctx context.Context, s Settings) (persistence.OutcomeStore, func(), error) {
	switch {
	case s.OutcomeColl != "" && s.MongoURI != "":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.MongoURI))
		if err != nil {
			return nil, func() {}, err
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		}
		coll := client.Database(s.MongoDB).Collection(s.OutcomeColl)
		return persistence.MongoStore{Collection: coll, Overwrite: true}, closeFn, nil
	case s.OutcomeDir != "":
		return persistence.DirStore{Dir: s.OutcomeDir, Overwrite: true}, func() {}, nil
	}
	return nil, func() {}, nil
}
