package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/hookrelay/internal/notify"
	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/logger"
)

type pinger interface {
	Ping(context.Context) error
}

// wakeListener opens the change-notification stream. The returned closer ends
// the subscription.
type wakeListener interface {
	Listen(ctx context.Context, channel string) (<-chan *goredis.Message, io.Closer, error)
}

type dispatchLoop interface {
	Run(ctx context.Context) error
	Wake()
}

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       pinger
	Redis    pinger
	Listener wakeListener
	Worker   dispatchLoop
}

// Service owns the single dispatch loop and feeds it wake signals.
type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	db       pinger
	redis    pinger
	listener wakeListener
	worker   dispatchLoop
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Listener == nil {
		return nil, errors.New("wake listener is required")
	}
	if params.Worker == nil {
		return nil, errors.New("dispatch worker is required")
	}

	return &Service{
		cfg:      params.Config,
		logg:     params.Logger,
		db:       params.DB,
		redis:    params.Redis,
		listener: params.Listener,
		worker:   params.Worker,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "redis", s.redis.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run blocks until ctx is cancelled or the dispatch loop exits. A failed wake
// subscription is not fatal; the loop's safety poll still picks up work.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	channel := s.cfg.Worker.NotifyChannel
	msgs, closer, err := s.listener.Listen(ctx, channel)
	if err != nil {
		s.logg.Error(s.logg.WithField(ctx, "channel", channel), "wake subscription failed; relying on poll", err)
	} else {
		defer func() {
			if err := closer.Close(); err != nil {
				s.logg.Error(ctx, "error closing wake subscription", err)
			}
		}()
		go notify.Forward(ctx, msgs, s.worker.Wake, s.logg)
	}

	err = s.worker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logg.Error(ctx, "dispatch worker stopped unexpectedly", err)
		return err
	}
	s.logg.Info(ctx, "worker context canceled")
	return err
}
