package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
)

// runtime is the wired process: store, action registry, notifier and engine.
type runtime struct {
	cfg    Config
	logger *slog.Logger

	store    store.Store
	registry *actions.Registry
	loader   *validation.Loader
	engine   *engine.Engine

	hub    *streaming.MemoryHub
	pubsub *gochannel.GoChannel
	topic  string
}

// newRuntime wires the process. extra notifiers receive every notification
// alongside the configured transport.
func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger, extra ...streaming.Notifier) (*runtime, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, store: st, topic: cfg.Notifier.Topic}

	rt.registry = actions.NewRegistry()
	if err := actions.RegisterBuiltins(rt.registry, actions.HTTPConfig{
		MaxResponseBody: cfg.HTTP.MaxResponseBody,
		DefaultTimeout:  cfg.HTTP.Timeout,
	}); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register built-in actions: %w", err)
	}

	if rt.loader, err = validation.NewLoader(); err != nil {
		_ = st.Close()
		return nil, err
	}

	var notifier streaming.Notifier
	switch cfg.Notifier.Driver {
	case "watermill":
		rt.pubsub = streaming.NewGoChannel(logger, int64(cfg.Notifier.Buffer))
		notifier = streaming.NewWatermillNotifier(rt.pubsub, cfg.Notifier.Topic)
	default:
		rt.hub = streaming.NewMemoryHub(cfg.Notifier.Buffer)
		notifier = rt.hub
	}
	if len(extra) > 0 {
		notifier = append(streaming.Fanout{notifier}, extra...)
	}

	rt.engine = engine.New(st, rt.registry, notifier, engine.Config{
		MaxConcurrentSteps: cfg.Engine.MaxConcurrentSteps,
		DefaultStepTimeout: cfg.Engine.StepTimeout,
		Logger:             logger,
	})
	logger.Debug("runtime ready",
		slog.String("store", cfg.Store.Driver),
		slog.String("notifier", cfg.Notifier.Driver),
		slog.Int("actions", len(rt.registry.List())))
	return rt, nil
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "libsql":
		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
		}
		return s, nil
	case "redis":
		return store.OpenRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			store.WithKeyPrefix(cfg.Redis.KeyPrefix))
	default:
		return store.NewMemoryStore(), nil
	}
}

// subscribe streams every notification published by this process until ctx
// is done.
func (rt *runtime) subscribe(ctx context.Context) (<-chan streaming.Notification, error) {
	if rt.hub != nil {
		ch, cancel, err := rt.hub.Subscribe(ctx, streaming.Filter{})
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			cancel()
		}()
		return ch, nil
	}

	msgs, err := rt.pubsub.Subscribe(ctx, rt.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", rt.topic, err)
	}
	out := make(chan streaming.Notification, rt.cfg.Notifier.Buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			n, err := streaming.DecodeNotification(msg)
			msg.Ack()
			if err != nil {
				rt.logger.Warn("dropping undecodable notification", slog.Any("error", err))
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// close shuts the engine down, then the notifier and store.
func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Engine.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := rt.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	if rt.pubsub != nil {
		if err := rt.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
