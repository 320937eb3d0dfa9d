package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/cloud/aws"
	"github.com/openfroyo/wsm/pkg/cloud/docker"
	"github.com/openfroyo/wsm/pkg/cloud/fake"
	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/fanout"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/resources/bucket"
	"github.com/openfroyo/wsm/pkg/resources/flexible"
	"github.com/openfroyo/wsm/pkg/resources/identity"
	"github.com/openfroyo/wsm/pkg/resources/notebook"
	"github.com/openfroyo/wsm/pkg/resources/vm"
	"github.com/openfroyo/wsm/pkg/saga"
	"github.com/openfroyo/wsm/pkg/service"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

// app holds everything a command needs, wired from the loaded config.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	store     *stores.SQLiteStore
	runner    *saga.Runner
	policies  *saga.PolicyHolder
	admission *policy.Engine
	svc       *service.Service
	ctx       context.Context
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if databasePath != "" {
		cfg.Database.Path = databasePath
	}
	if providerName != "" {
		cfg.Cloud.Provider = providerName
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads the config, opens the store and wires the runner and
// service. The returned context carries the telemetry.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	store, err := stores.Open(ctx, cfg.Database)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	tel.Events.Subscribe(store.EventSink(tel.Logger.NewComponentLogger("events")), nil)

	provider, err := newProvider(ctx, cfg.Cloud)
	if err != nil {
		_ = store.Close()
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	log.Debug().
		Str("provider", provider.Name).
		Str("region", provider.Region).
		Str("database", cfg.Database.Path).
		Msg("Opened workspace manager")

	set, err := cfg.Retry.PolicySet()
	if err != nil {
		_ = store.Close()
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	policies := saga.NewPolicyHolder(saga.DefaultPolicySet())
	policies.Store(set)

	admission, err := newAdmission(ctx, cfg.Policy, tel.Logger)
	if err != nil {
		_ = store.Close()
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	mgr := lifecycle.NewManager(store,
		lifecycle.WithLogger(tel.Logger.NewComponentLogger("lifecycle")),
		lifecycle.WithMetrics(tel.Metrics),
		lifecycle.WithEvents(tel.Events),
	)
	composer := resources.NewComposer(newRegistry(provider, store, cfg.FanOut), mgr, store,
		resources.WithPolicies(policies),
		resources.WithCreateFailureRule(cfg.Lifecycle.CreateFailure),
		resources.WithComposerLogger(tel.Logger.NewComponentLogger("composer")),
	)
	runner := saga.NewRunner(store,
		saga.WithLogger(tel.Logger.NewComponentLogger("runner")),
		saga.WithMetrics(tel.Metrics),
		saga.WithTracer(tel.Tracer),
		saga.WithEvents(tel.Events),
		saga.WithBaseContext(ctx),
		saga.WithOwner(runnerOwner(cfg.Runner)),
		saga.WithLeaseTTL(cfg.Runner.LeaseTTL),
	)
	svc := service.New(store, composer, runner,
		service.WithLogger(tel.Logger.NewComponentLogger("service")),
		service.WithMetrics(tel.Metrics),
		service.WithPolicy(admission),
	)

	return &app{
		cfg:       cfg,
		tel:       tel,
		store:     store,
		runner:    runner,
		policies:  policies,
		admission: admission,
		svc:       svc,
		ctx:       ctx,
	}, nil
}

// Close stops the runner, leaving unfinished runs in the journal, and
// releases the store and telemetry.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if active := a.runner.Active(); len(active) > 0 {
		log.Info().Int("runs", len(active)).Msg("Leaving unfinished runs for wsm serve")
	}
	if err := a.runner.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Runner did not stop cleanly")
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry did not stop cleanly")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

// newAdmission builds the policy engine with the configured custom policies
// and disables the listed ones.
func newAdmission(ctx context.Context, cfg config.AdmissionConfig, logger *telemetry.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Disabled {
		if err := engine.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disabled: %w", err)
		}
	}
	return engine, nil
}

// newProvider returns the cloud adapters for the configured provider. AWS
// has no notebook service, so notebooks always run on Docker; the docker
// provider pairs Docker notebooks with the in-memory cloud.
func newProvider(ctx context.Context, cfg config.CloudConfig) (*cloud.Provider, error) {
	switch cfg.Provider {
	case config.ProviderAWS:
		p, err := aws.New(ctx, aws.Config{Region: cfg.Region, Profile: cfg.Profile, Endpoint: cfg.Endpoint})
		if err != nil {
			return nil, err
		}
		if p.Notebooks, err = docker.New(cfg.DockerHost); err != nil {
			return nil, err
		}
		return p, nil
	case config.ProviderDocker:
		nb, err := docker.New(cfg.DockerHost)
		if err != nil {
			return nil, err
		}
		p := fake.New(cfg.Region).Provider()
		p.Name = config.ProviderDocker
		p.Notebooks = nb
		return p, nil
	case config.ProviderFake:
		log.Warn().Msg("Using the in-memory cloud; cloud state does not outlive this process")
		return fake.New(cfg.Region).Provider(), nil
	default:
		return nil, fmt.Errorf("unsupported cloud provider: %s", cfg.Provider)
	}
}

// newRegistry registers a builder for every type the provider can serve.
func newRegistry(p *cloud.Provider, store resources.Store, copyCfg fanout.Config) *resources.Registry {
	builders := []resources.Builder{flexible.NewBuilder()}
	if p.Buckets != nil {
		builders = append(builders, bucket.NewBuilder(p.Buckets, copyCfg))
	}
	if p.Instances != nil {
		builders = append(builders, vm.NewBuilder(p.Instances, store))
	}
	if p.Identities != nil {
		builders = append(builders, identity.NewBuilder(p.Identities, store))
	}
	if p.Notebooks != nil {
		builders = append(builders, notebook.NewBuilder(p.Notebooks))
	}
	return resources.NewRegistry().MustRegister(builders...)
}

// runnerOwner names this process in run leases. Two processes on one host
// sharing a database must not share an owner, so the default includes the pid.
func runnerOwner(cfg config.RunnerConfig) string {
	if cfg.Owner != "" {
		return cfg.Owner
	}
	host, err := os.Hostname()
	if err != nil {
		host = "wsm"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
