package appbootstrap

import (
	"context"
	"database/sql"

	"ysod-timeline/api"
	"ysod-timeline/config"
	"ysod-timeline/core/incidents"
	"ysod-timeline/core/integrity"
	"ysod-timeline/core/rbac"
	"ysod-timeline/core/store"
	"ysod-timeline/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	scheduler  *integrity.Scheduler
}

func composeRuntime(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*runtimeComposition, error) {
	dialect := store.DialectFor(cfg)
	users := store.NewUsersStore(db, dialect)
	audits := store.NewAuditStore(db, dialect)
	entries := store.NewTimelineStore(db, dialect)

	authz, err := rbac.New(cfg.RBAC.PolicyPath)
	if err != nil {
		return nil, err
	}
	incidentsSvc, err := incidents.NewService(cfg, entries, users, audits, authz, logger)
	if err != nil {
		return nil, err
	}
	scheduler := integrity.NewScheduler(cfg.Integrity, incidentsSvc, logger)

	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			Users:        users,
			Audits:       audits,
			Authz:        authz,
			IncidentsSvc: incidentsSvc,
			Workers:      []api.BackgroundWorker{scheduler},
		},
		scheduler: scheduler,
	}, nil
}

// App is the composed service: database, migrations, API server and the
// integrity scheduler.
type App struct {
	cfg    *config.AppConfig
	db     *sql.DB
	logger *utils.Logger
	rt     *runtimeComposition
	server *api.Server
}

func New(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*App, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, store.DialectFor(cfg), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	rt, err := composeRuntime(cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &App{
		cfg:    cfg,
		db:     db,
		logger: logger,
		rt:     rt,
		server: api.NewServer(cfg, rt.serverDeps, logger),
	}, nil
}

func (a *App) Server() *api.Server { return a.server }

func (a *App) Scheduler() *integrity.Scheduler { return a.rt.scheduler }

// Run blocks until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	return a.server.Run(ctx)
}

func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
