// Package business wires configuration into running services.
package business

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/beatranks/session-service/internal/business/server"
	"github.com/beatranks/session-service/internal/config"
	"github.com/beatranks/session-service/internal/idp"
	"github.com/beatranks/session-service/internal/session"
	sessionsql "github.com/beatranks/session-service/internal/session/sql"
	sessionvalkey "github.com/beatranks/session-service/internal/session/valkey"
	"github.com/beatranks/session-service/internal/settings"
	settingssql "github.com/beatranks/session-service/internal/settings/sql"
)

// Main starts the public HTTP API server.
func Main(ctx context.Context, cfg *config.Config) error {
	deps, err := initDependencies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising dependencies: %w", err)
	}

	defer deps.close()

	return server.StartHTTPServer(ctx, cfg, deps.manager, deps.settings)
}

// HousekeeperMain runs the expired-session sweeper until the context ends.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	deps, err := initDependencies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising dependencies: %w", err)
	}

	defer deps.close()

	slogctx.Info(ctx, "Starting the session housekeeper", "interval", cfg.Housekeeper.Interval)

	housekeeper := session.NewHousekeeper(deps.sessions, cfg.Housekeeper.Interval)
	if err := housekeeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("running the housekeeper: %w", err)
	}

	return nil
}

type dependencies struct {
	manager  *session.Manager
	sessions session.Repository
	settings settings.Store

	closers []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func initDependencies(ctx context.Context, cfg *config.Config) (*dependencies, error) {
	deps := &dependencies{}

	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("making dsn from config: %w", err)
	}

	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	deps.closers = append(deps.closers, db.Close)
	deps.settings = settingssql.NewStore(db)

	switch cfg.SessionStore.Backend {
	case "", "postgres":
		deps.sessions = sessionsql.NewRepository(db)
	case "valkey":
		valkeyClient, err := newValkeyClient(cfg)
		if err != nil {
			deps.close()
			return nil, err
		}

		deps.closers = append(deps.closers, valkeyClient.Close)
		deps.sessions = sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix)
	default:
		deps.close()
		return nil, fmt.Errorf("unknown session store backend %q", cfg.SessionStore.Backend)
	}

	idpClient, err := newIdPClient(cfg)
	if err != nil {
		deps.close()
		return nil, err
	}

	// the provider must be reachable and sane before serving traffic
	if _, err := idpClient.Discover(ctx); err != nil {
		deps.close()
		return nil, fmt.Errorf("discovering the identity provider: %w", err)
	}

	manager, err := session.NewManager(&cfg.Auth, idpClient, deps.sessions)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	deps.manager = manager

	return deps, nil
}

func newValkeyClient(cfg *config.Config) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	})
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func newIdPClient(cfg *config.Config) (*idp.Client, error) {
	clientID, err := commoncfg.LoadValueFromSourceRef(cfg.Auth.ClientID)
	if err != nil {
		return nil, fmt.Errorf("loading oidc client id: %w", err)
	}

	clientSecret, err := commoncfg.LoadValueFromSourceRef(cfg.Auth.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("loading oidc client secret: %w", err)
	}

	idpClient, err := idp.NewClient(idp.Options{
		IssuerURL:    cfg.Auth.IssuerURL,
		ClientID:     string(clientID),
		ClientSecret: string(clientSecret),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       cfg.Auth.Scopes,
		Timeout:      cfg.Auth.UpstreamTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating idp client: %w", err)
	}

	return idpClient, nil
}
