package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docpipe/internal/cost"
	"github.com/sells-group/docpipe/internal/fallback"
	"github.com/sells-group/docpipe/internal/orchestrator"
	"github.com/sells-group/docpipe/internal/preprocess"
	"github.com/sells-group/docpipe/internal/secrets"
	"github.com/sells-group/docpipe/internal/store"
	"github.com/sells-group/docpipe/internal/validate"
	"github.com/sells-group/docpipe/pkg/llm"
)

// pipelineEnv holds the initialized store and pipeline components
// shared by the extract/serve/seed commands.
type pipelineEnv struct {
	Store        store.Store
	Keyring      *secrets.Keyring
	Orchestrator *orchestrator.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, keyring, provider registry and
// orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.Secrets.MasterKey == "" {
		return nil, eris.New("secrets.master_key is required (64 hex chars)")
	}
	keyring, err := secrets.NewKeyring(cfg.Secrets.MasterKey)
	if err != nil {
		return nil, eris.Wrap(err, "init keyring")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rates := cost.DefaultRates()
	for name, pricing := range cfg.Pricing.Models {
		rates[name] = cost.ModelRate{Input: pricing.Input, Output: pricing.Output}
	}

	registry := llm.NewRegistry(cfg.Providers.RequestsPerSecond)
	manager := fallback.New(registry, keyring, validate.New(), cost.NewCalculator(rates))
	orch := orchestrator.New(st, preprocess.New(), manager, registry, keyring)

	return &pipelineEnv{
		Store:        st,
		Keyring:      keyring,
		Orchestrator: orch,
	}, nil
}
