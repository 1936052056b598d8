package cli

import (
	"fmt"

	"github.com/lydakis/workerbus/internal/browser"
	"github.com/lydakis/workerbus/internal/cad"
	"github.com/lydakis/workerbus/internal/config"
	"github.com/lydakis/workerbus/internal/logging"
	"github.com/lydakis/workerbus/internal/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// runtime is what a worker command needs: the loaded configuration and a
// logger, plus the global interpreter override.
type runtime struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	python string
}

func loadRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := config.LoadFrom(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, usageErrorf("invalid config: %w", err)
	}

	level := cfg.Log.Level
	if flag := c.String("log-level"); flag != "" {
		level = flag
	}
	log, err := logging.New(level, cfg.Log.Development)
	if err != nil {
		return nil, usageError{err}
	}
	return &runtime{cfg: cfg, log: log, python: c.String("python")}, nil
}

func (r *runtime) worker(role string) config.WorkerConfig {
	return r.cfg.Workers[role]
}

func (r *runtime) launch(role string) (supervisor.LaunchConfig, error) {
	w := r.worker(role)
	interpreter, err := supervisor.ResolveInterpreter(supervisor.ResolveOptions{
		Override:   r.python,
		Configured: w.Python,
		Role:       role,
		WorkDir:    w.Dir,
	})
	if err != nil {
		return supervisor.LaunchConfig{}, fmt.Errorf("%s worker: %w", role, err)
	}

	cfg := supervisor.LaunchConfig{
		Interpreter: interpreter,
		Script:      r.cfg.ScriptPath(role),
		Args:        w.Args,
		Env:         w.Env,
		Dir:         w.Dir,
	}
	return cfg.Clone(), nil
}

func (r *runtime) supervisor(role string) *supervisor.Supervisor {
	w := r.worker(role)
	return supervisor.New(supervisor.Options{
		Role:         role,
		Logger:       r.log,
		ReadyTimeout: w.ReadyTimeoutDuration(),
		IdleTimeout:  w.IdleTimeoutDuration(),
	})
}

func (r *runtime) browser() (*browser.Browser, browser.Credentials, error) {
	launch, err := r.launch(config.RoleBrowser)
	if err != nil {
		return nil, browser.Credentials{}, err
	}
	w := r.worker(config.RoleBrowser)
	creds := browser.Credentials{APIKey: w.APIKey}
	b := browser.New(r.supervisor(config.RoleBrowser), browser.Options{
		Launch:      launch,
		APIKeyEnv:   w.APIKeyEnv,
		MaxEvents:   w.MaxEvents,
		Logger:      r.log,
		Credentials: creds,
	})
	return b, creds, nil
}

func (r *runtime) cad() (*cad.Client, error) {
	launch, err := r.launch(config.RoleCAD)
	if err != nil {
		return nil, err
	}
	w := r.worker(config.RoleCAD)
	opts := cad.Options{
		Launch:       launch,
		Logger:       r.log,
		ReadyTimeout: w.ReadyTimeoutDuration(),
		Version:      buildVersion,
	}
	if w.ProtocolName() == config.ProtocolMCP {
		return cad.NewStdio(opts), nil
	}
	return cad.New(r.supervisor(config.RoleCAD), opts), nil
}
