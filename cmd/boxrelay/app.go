package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/internal/config"
	"github.com/velmie/boxrelay/internal/logging"
	"github.com/velmie/boxrelay/mysql"
	"github.com/velmie/boxrelay/postgres"
	"github.com/velmie/boxrelay/rabbitmq"
)

// app holds what every subcommand shares and closes it in reverse order.
type app struct {
	cfg     config.Config
	boxes   config.BoxesFile
	zap     *zap.Logger
	logger  logging.Zap
	closers []func() error
}

func loadApp(flags *rootFlags) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.boxes != "" {
		cfg.BoxesFile = flags.boxes
	}
	boxes, err := config.LoadBoxes(cfg.BoxesFile)
	if err != nil {
		return nil, err
	}
	zl, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, boxes: boxes, zap: zl, logger: logging.NewZap(zl)}
	a.onClose(func() error {
		_ = zl.Sync()
		return nil
	})

	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// cleanupFunc runs one retention pass and reports removed rows per box.
type cleanupFunc func(ctx context.Context) (map[string]int64, error)

type storeHandle struct {
	store   boxrelay.Store
	cleanup cleanupFunc
}

func (a *app) openStore(ctx context.Context, boxes []*boxrelay.Box) (storeHandle, error) {
	switch a.cfg.Store {
	case config.StoreMySQL:
		return a.openMySQL(ctx, boxes)
	default:
		return a.openPostgres(ctx, boxes)
	}
}

func (a *app) openPostgres(ctx context.Context, boxes []*boxrelay.Box) (storeHandle, error) {
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{DSN: a.cfg.PostgresDSN})
	if err != nil {
		return storeHandle{}, err
	}
	a.onClose(func() error {
		pool.Close()
		return nil
	})

	store, err := postgres.NewStore(pool)
	if err != nil {
		return storeHandle{}, err
	}
	maintainer, err := postgres.NewCleanupMaintainer(pool, postgres.CleanupMaintainerConfig{
		Boxes:         boxes,
		Limit:         a.cfg.Cleanup.Limit,
		IncludeFailed: a.cfg.Cleanup.IncludeFailed,
		Logger:        a.logger,
	})
	if err != nil {
		return storeHandle{}, err
	}

	return storeHandle{
		store: store,
		cleanup: func(ctx context.Context) (map[string]int64, error) {
			res, err := maintainer.Ensure(ctx)
			out := make(map[string]int64, len(res))
			for name, r := range res {
				out[name] = r.Total()
			}
			return out, err
		},
	}, nil
}

func (a *app) openMySQL(ctx context.Context, boxes []*boxrelay.Box) (storeHandle, error) {
	db, err := sql.Open("mysql", a.cfg.MySQLDSN)
	if err != nil {
		return storeHandle{}, fmt.Errorf("open db: %w", err)
	}
	a.onClose(db.Close)
	if err := db.PingContext(ctx); err != nil {
		return storeHandle{}, fmt.Errorf("ping db: %w", err)
	}

	store, err := mysql.NewStore(db)
	if err != nil {
		return storeHandle{}, err
	}
	maintainer, err := mysql.NewCleanupMaintainer(db, mysql.CleanupMaintainerConfig{
		Boxes:         boxes,
		Limit:         a.cfg.Cleanup.Limit,
		IncludeFailed: a.cfg.Cleanup.IncludeFailed,
		Logger:        a.logger,
	})
	if err != nil {
		return storeHandle{}, err
	}

	return storeHandle{
		store: store,
		cleanup: func(ctx context.Context) (map[string]int64, error) {
			res, err := maintainer.Ensure(ctx)
			out := make(map[string]int64, len(res))
			for name, r := range res {
				out[name] = r.Total()
			}
			return out, err
		},
	}, nil
}

// buildBoxes validates every box; with transports set, each box publishes to its AMQP
// exchange over one shared connection.
func (a *app) buildBoxes(withTransports bool) ([]*boxrelay.Box, error) {
	var conn *rabbitmq.Connection
	boxes := make([]*boxrelay.Box, 0, len(a.boxes.Boxes))
	for _, spec := range a.boxes.Boxes {
		var opts []boxrelay.BoxOption
		if withTransports {
			if conn == nil {
				if a.cfg.AMQP.URL == "" {
					return nil, fmt.Errorf("%w: BOXRELAY_AMQP_URL is required", config.ErrInvalidConfig)
				}
				var err error
				conn, err = rabbitmq.Dial(rabbitmq.ConnectionConfig{
					URL:     a.cfg.AMQP.URL,
					Confirm: a.cfg.AMQP.Confirm,
					Logger:  a.logger,
				})
				if err != nil {
					return nil, err
				}
				a.onClose(conn.Close)
			}
			transport, err := rabbitmq.NewTransport(conn, rabbitmq.TransportConfig{
				Box:        spec.Name,
				Exchange:   spec.Transport.Exchange,
				RoutingKey: spec.Transport.RoutingKey,
				Mandatory:  spec.Transport.Mandatory,
				Transient:  spec.Transport.Transient,
			})
			if err != nil {
				return nil, err
			}
			opts = append(opts, boxrelay.WithTransports(boxrelay.CatchAll, transport))
		}

		box, err := boxrelay.NewBox(spec.BoxConfig(), opts...)
		if err != nil {
			return nil, fmt.Errorf("box %s: %w", spec.Name, err)
		}
		boxes = append(boxes, box)
	}

	return boxes, nil
}
