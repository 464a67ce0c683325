package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"smartvend-client/config"
	"smartvend-client/internal/clock"
	"smartvend-client/internal/db"
	"smartvend-client/internal/identity"
	"smartvend-client/internal/metrics"
	"smartvend-client/internal/notification"
	"smartvend-client/internal/payment"
	"smartvend-client/internal/session"
	"smartvend-client/internal/store"
	"smartvend-client/internal/vendapi"
)

// app wires the long-lived collaborators shared by every command.
type app struct {
	cfg      *config.Config
	store    store.Store
	api      *vendapi.Client
	clientID string
	alerts   *notification.Dispatcher
	metrics  *metrics.Recorder
	offset   *clock.OffsetChecker
	close    func()
}

func bootstrap(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(*opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	configureLogging(cfg.Log.Level, cfg.Log.Pretty || *opts.debug, *opts.debug)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, err
	}
	st := store.NewGormStore(gormDB)

	realClock := clockwork.NewRealClock()
	clientID, err := identity.Resolve(ctx, st, identity.NewGenerator(realClock))
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Debug().Str("client_id", clientID).Msg("client identity resolved")

	senders := []notification.Sender{notification.LogSender{}}
	if cfg.Push.Enabled {
		senders = append(senders, notification.NewWebPushSender(st, &cfg.Push))
	}
	alerts := notification.NewDispatcher(cfg.WorkerPool.Size, senders...)
	alerts.Start(ctx)

	a := &app{
		cfg:      cfg,
		store:    st,
		api:      vendapi.New(&cfg.API),
		clientID: clientID,
		alerts:   alerts,
		metrics:  metrics.New(),
		close:    func() { sqlDB.Close() },
	}

	if cfg.Clock.NTPServer != "" {
		a.offset = clock.NewOffsetChecker(cfg.Clock.NTPServer, cfg.Clock.NTPInterval, realClock)
		go a.offset.Run(ctx)
	}
	return a, nil
}

// newSession builds a machine view with capturer collecting payments.
func (a *app) newSession(machine vendapi.Machine, capturer payment.Capturer) *session.Session {
	opts := session.Options{
		Capturer: capturer,
		Journal:  a.store,
		Alerts:   a.alerts,
		Metrics:  a.metrics,
	}
	if a.offset != nil {
		opts.Offset = a.offset
	}
	return session.New(a.cfg, a.api, machine, a.clientID, opts)
}

func (a *app) findMachine(ctx context.Context, machineID string) (vendapi.Machine, error) {
	machines, err := a.api.ListMachines(ctx)
	if err != nil {
		return vendapi.Machine{}, err
	}
	for _, m := range machines {
		if m.MachineID == machineID {
			return m, nil
		}
	}
	return vendapi.Machine{}, fmt.Errorf("machine %s not found", machineID)
}
