package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/logger"
	"github.com/songzhibin97/approval-engine/maker"
	"github.com/songzhibin97/approval-engine/rest"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/tracing"
	"github.com/songzhibin97/approval-engine/workflow"
)

const serviceName = "approvald"

// Version is reported in trace resources.
var Version = "dev"

// Agent owns every long-lived component of the approval service.
type Agent struct {
	Config       config.Config
	store        storage.Storage
	redisStore   *storage.RedisStorage
	directory    maker.Directory
	eventBus     *events.EventBus
	publisher    events.StatusPublisher
	engine       *workflow.Engine
	httpServer   *rest.Server
	shutdown     bool
	shutdownLock sync.Mutex
}

func New(cfg config.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{Config: cfg}
	setup := []func() error{
		a.setupLogger,
		a.setupTracing,
		a.setupStorage,
		a.setupDirectory,
		a.setupPublisher,
		a.setupEngine,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			a.release()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupLogger() error {
	if a.Config.LogLevel == "" {
		return nil
	}
	return logger.Init(a.Config.LogLevel)
}

func (a *Agent) setupTracing() error {
	if !a.Config.Tracing {
		return nil
	}
	return tracing.Init(serviceName, Version, nil)
}

func (a *Agent) setupStorage() error {
	retry := storage.DefaultRetryPolicy
	if a.Config.MaxRetries > 0 {
		retry.MaxRetries = a.Config.MaxRetries
	}
	if a.Config.StorageType == config.STORAGE_TYPE_INMEM {
		a.store = storage.NewMemoryStorage()
		return nil
	}
	rc := a.Config.RedisConfig
	s, err := storage.NewRedisStorage(storage.RedisOptions{
		Addr:      rc.Addr,
		Password:  rc.Password,
		DB:        rc.DB,
		PoolSize:  rc.PoolSize,
		Namespace: rc.Namespace,
		Retry:     retry,
	})
	if err != nil {
		return err
	}
	a.store, a.redisStore = s, s
	return nil
}

func (a *Agent) setupDirectory() error {
	switch a.Config.DirectoryType {
	case config.DIRECTORY_TYPE_REDIS:
		a.directory = directory.NewRedisDirectory(a.redisStore.Client(), a.Config.RedisConfig.Namespace)
	default:
		a.directory = directory.NewStatic(a.Config.Roles)
	}
	return nil
}

func (a *Agent) setupPublisher() error {
	a.eventBus = events.NewEventBus()
	switch a.Config.PublisherType {
	case config.PUBLISHER_TYPE_REDIS:
		a.publisher = events.NewRedisPublisher(a.redisStore.Client())
	default:
		a.publisher = events.NewBusPublisher(a.eventBus)
		a.eventBus.SubscribeFunc(events.EventStatusChanged, func(ctx context.Context, event events.Event) error {
			topic, change, ok := events.ChangeFromEvent(event)
			if !ok {
				return fmt.Errorf("unexpected payload for %s", event.Type)
			}
			logger.Info("status changed",
				zap.String("topic", topic),
				zap.String("instance", change.InstanceID),
				zap.String("key", change.KeyValue),
				zap.String("status", change.Status.String()))
			return nil
		})
	}
	return nil
}

func (a *Agent) setupEngine() error {
	ttl := a.Config.GraphCacheTTL
	if ttl <= 0 {
		ttl = workflow.DefaultGraphTTL
	}
	machineID := a.Config.MachineID
	if machineID == 0 {
		machineID = 1
	}
	var err error
	a.engine, err = workflow.NewEngine(
		generator.NewSnowflake(time.Now().Add(-time.Second), uint16(machineID)),
		a.store,
		workflow.WithDirectory(a.directory),
		workflow.WithPublisher(a.publisher),
		workflow.WithEventBus(a.eventBus),
		workflow.WithGraphCache(graph.NewGraphCache(ttl)),
	)
	return err
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.engine)
	return err
}

// Engine exposes the engine for embedding and tests.
func (a *Agent) Engine() *workflow.Engine {
	return a.engine
}

func (a *Agent) Start() error {
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	logger.Info("shutting down server")

	var first error
	if a.httpServer != nil {
		first = a.httpServer.Stop()
	}
	if err := a.release(); err != nil && first == nil {
		first = err
	}
	_ = logger.Sync()
	return first
}

// release stops what setup created, in reverse order.
func (a *Agent) release() error {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.eventBus != nil {
		a.eventBus.Stop()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
