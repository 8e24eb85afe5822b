package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/confidential_layer/internal/app/cluster"
	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/events"
	"github.com/R3E-Network/confidential_layer/internal/app/httpapi"
	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/services/dispatcher"
	"github.com/R3E-Network/confidential_layer/internal/app/services/janitor"
	"github.com/R3E-Network/confidential_layer/internal/app/services/registry"
	"github.com/R3E-Network/confidential_layer/internal/app/services/verifier"
	"github.com/R3E-Network/confidential_layer/internal/app/storage"
	"github.com/R3E-Network/confidential_layer/internal/app/storage/memory"
	"github.com/R3E-Network/confidential_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/confidential_layer/internal/app/system"
	"github.com/R3E-Network/confidential_layer/internal/config"
	"github.com/R3E-Network/confidential_layer/internal/logging"
	"github.com/R3E-Network/confidential_layer/internal/middleware"
	"github.com/R3E-Network/confidential_layer/internal/platform/migrations"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

// defaultProgramLabel seeds the program id when none is configured.
const defaultProgramLabel = "confidential_layer"

// Application ties the ledger runtime, the cluster collaborator and the
// API together and manages their lifecycle.
type Application struct {
	cfg     *config.Config
	manager *system.Manager
	log     *logger.Logger
	db      *sqlx.DB
	redis   *events.RedisPublisher

	Hub        *events.Hub
	Runtime    *ledger.Runtime
	Registry   *registry.Service
	Dispatcher *dispatcher.Service
	Verifier   *verifier.Service
	Relay      *ledger.Relay
	Janitor    *janitor.Janitor
	Simulator  *cluster.Simulator
	Server     *HTTPServer
	Handler    http.Handler
}

// New builds a fully wired application from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	a := &Application{cfg: cfg, manager: system.NewManager(), log: log}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	a.Hub = events.NewHub(cfg.Runtime.EventBuffer)
	var sink events.Sink = a.Hub
	if cfg.Redis.URL != "" {
		pub, err := events.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.Stream, cfg.Redis.MaxLen)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = pub
		sink = events.Fanout{a.Hub, pub}
	}

	programID, err := ledger.ParseProgramID(cfg.Runtime.ProgramID, defaultProgramLabel)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Runtime = ledger.New(store, programID, sink, log.Named("ledger"))
	a.Registry = registry.New(a.Runtime, log.Named("registry"))
	a.Dispatcher = dispatcher.New(a.Runtime, log.Named("dispatcher"))
	a.Verifier = verifier.New(a.Runtime, log.Named("verifier"))

	submitter, clusterCfg, err := a.buildCluster()
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Cluster.AutoConfigure {
		if _, err := a.Runtime.ConfigureCluster(ctx, clusterCfg); err != nil {
			a.Close()
			return nil, fmt.Errorf("configure cluster: %w", err)
		}
	}
	if cfg.Runtime.InitDefinitions {
		outcomes, err := a.Registry.InitAll(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init definitions: %w", err)
		}
		for _, o := range outcomes {
			log.WithField("circuit", o.Definition.Circuit).WithField("offset", o.Definition.Offset).
				WithField("skipped", o.Skipped).Info("computation definition ready")
		}
	}

	a.Relay = ledger.NewRelay(a.Runtime, submitter, log.Named("relay")).
		WithInterval(cfg.Runtime.RelayInterval).
		WithBatch(cfg.Runtime.RelayBatch)
	if cfg.Runtime.RelayRate > 0 {
		a.Relay.WithRate(cfg.Runtime.RelayRate, cfg.Runtime.RelayBatch)
	}

	a.Janitor, err = janitor.New(a.Runtime, cfg.Runtime.JanitorSchedule, cfg.Runtime.Retention, log.Named("janitor"))
	if err != nil {
		a.Close()
		return nil, err
	}

	handler, limiter, err := a.buildHandler()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Handler = handler
	a.Server = NewHTTPServer(cfg.Server.Addr(), handler, limiter, log.Named("http-server"))

	services := []system.Service{}
	if a.Simulator != nil {
		services = append(services, a.Simulator)
	}
	services = append(services, a.Relay, a.Janitor, a.Server)
	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			a.Close()
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return a, nil
}

func (a *Application) openStore(ctx context.Context) (storage.Store, error) {
	dbCfg := a.cfg.Database
	if dbCfg.Driver != "postgres" {
		return memory.New(), nil
	}
	db, err := postgres.Open(dbCfg.DSN, dbCfg.MaxOpenConns, dbCfg.MaxIdleConns, dbCfg.ConnMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if dbCfg.Migrate {
		if err := migrations.Apply(ctx, db.DB); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	a.db = db
	return postgres.New(db), nil
}

// buildCluster returns the submitter the relay forwards to and the signing
// set the runtime should trust.
func (a *Application) buildCluster() (cluster.Submitter, computation.ClusterConfig, error) {
	cc := a.cfg.Cluster
	switch cc.Mode {
	case config.ClusterModeHTTP:
		cfg, err := remoteClusterConfig(cc)
		if err != nil && cc.AutoConfigure {
			return nil, computation.ClusterConfig{}, err
		}
		return cluster.NewHTTPClient(cc.URL, cc.APIKey, cc.Timeout), cfg, nil
	default:
		signers, err := simulatorSigners(cc)
		if err != nil {
			return nil, computation.ClusterConfig{}, err
		}
		mxe, err := mxeKeyPair(cc.MXESecretKey)
		if err != nil {
			return nil, computation.ClusterConfig{}, err
		}
		sim, err := cluster.NewSimulator(cluster.SimulatorConfig{
			Epoch:     cc.Epoch,
			Threshold: cc.Threshold,
			Signers:   signers,
			MXE:       mxe,
			Workers:   cc.Workers,
		}, a.Verifier, a.log.Named("cluster-sim"))
		if err != nil {
			return nil, computation.ClusterConfig{}, err
		}
		a.Simulator = sim
		a.log.WithField("mxe_public_key", hex.EncodeToString(mxe.Public[:])).
			WithField("nodes", len(signers)).Info("in-process cluster simulator configured")
		return sim, sim.ClusterConfig(), nil
	}
}

func simulatorSigners(cc config.ClusterConfig) ([]cluster.NodeSigner, error) {
	if len(cc.NodeKeys) == 0 {
		signers := make([]cluster.NodeSigner, 0, cc.NodeCount)
		for i := 1; i <= cc.NodeCount; i++ {
			s, err := cluster.GenerateNodeSigner(uint16(i))
			if err != nil {
				return nil, fmt.Errorf("generate node %d key: %w", i, err)
			}
			signers = append(signers, s)
		}
		return signers, nil
	}
	signers := make([]cluster.NodeSigner, 0, len(cc.NodeKeys))
	for i, key := range cc.NodeKeys {
		s, err := cluster.ParseNodeSigner(uint16(i+1), strings.TrimSpace(key))
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	return signers, nil
}

func mxeKeyPair(secretHex string) (sealing.KeyPair, error) {
	if secretHex == "" {
		return sealing.GenerateKeyPair(nil)
	}
	secret, err := decodeKey(secretHex, "mxe secret key")
	if err != nil {
		return sealing.KeyPair{}, err
	}
	return sealing.KeyPairFromSecret(secret)
}

// remoteClusterConfig parses index:pubkey node entries.
func remoteClusterConfig(cc config.ClusterConfig) (computation.ClusterConfig, error) {
	out := computation.ClusterConfig{Epoch: cc.Epoch, Threshold: cc.Threshold}
	for _, raw := range cc.Nodes {
		idx, key, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			return out, fmt.Errorf("cluster node %q: want index:pubkey", raw)
		}
		n, err := strconv.ParseUint(idx, 10, 16)
		if err != nil {
			return out, fmt.Errorf("cluster node %q: bad index: %w", raw, err)
		}
		out.Nodes = append(out.Nodes, computation.NodeKey{Index: uint16(n), PublicKey: strings.ToLower(key)})
	}
	if cc.MXEPublicKey != "" {
		pub, err := decodeKey(cc.MXEPublicKey, "mxe public key")
		if err != nil {
			return out, err
		}
		out.MXEPublicKey = pub
	}
	return out, nil
}

func decodeKey(raw, what string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(b) != len(key) {
		return key, fmt.Errorf("%s must be 32 hex-encoded bytes", what)
	}
	copy(key[:], b)
	return key, nil
}

func (a *Application) buildHandler() (http.Handler, *middleware.RateLimiter, error) {
	sc := a.cfg.Server
	reqLog := logging.FromLogger(a.log.Named("httpapi"))

	tokens, err := sc.Tokens()
	if err != nil {
		return nil, nil, err
	}
	static := make([]middleware.StaticToken, 0, len(tokens))
	for _, t := range tokens {
		static = append(static, middleware.StaticToken{Token: t.Token, Role: t.Role})
	}
	auth := middleware.NewAuthMiddleware([]byte(sc.JWTSecret), static, reqLog, []string{"/healthz", "/metrics"})
	if !auth.Enabled() {
		a.log.Warn("no auth tokens or JWT secret configured; API is unauthenticated")
	}

	var limiter *middleware.RateLimiter
	if sc.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(sc.RateLimitRPS, sc.RateLimitBurst, reqLog)
	}

	handler, err := httpapi.NewHandler(httpapi.Services{
		Runtime:    a.Runtime,
		Registry:   a.Registry,
		Dispatcher: a.Dispatcher,
		Verifier:   a.Verifier,
		Hub:        a.Hub,
	}, httpapi.Options{
		Auth:        auth,
		RateLimiter: limiter,
		CORSOrigins: sc.CORSOrigins,
		AuditFile:   sc.AuditFile,
		Logger:      reqLog,
	})
	if err != nil {
		return nil, nil, err
	}
	return handler, limiter, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse order and releases connections.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Close()
	return err
}

// Close releases database and Redis connections.
func (a *Application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("close redis")
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("close database")
		}
		a.db = nil
	}
}
