//go:build linux

package main

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ciiol/yolo-nix-sandbox/sandbox"
)

// sandboxConfig translates the loaded configuration into the library's
// Config.
func sandboxConfig(cfg *Config, env map[string]string, logger *zap.Logger) (sandbox.Config, error) {
	out := sandbox.Config{
		Store:        cfg.Store,
		DaemonSocket: cfg.DaemonSocket,
		Profile:      cfg.Profile,
		Path:         cfg.Path,
		Shell:        cfg.Shell,
		Pager:        cfg.Pager,
		Lang:         cfg.Lang,
		System: sandbox.SystemFiles{
			CABundle:      cfg.CABundle,
			Terminfo:      cfg.Terminfo,
			LocaleArchive: cfg.LocaleArchive,
		},
		ReadOnly: cfg.ReadOnly,
		Hidden:   cfg.Hidden,
		StateDir: cfg.StateDir,
		Tools:    cfg.sandboxTools(),
		Network:  cfg.Network,
		WideIDs:  cfg.WideIDs,
		Debugf:   sandboxDebugf(logger),
		Warnf:    sandboxWarnf(logger),
	}

	if cfg.DevShell.Disabled != nil && *cfg.DevShell.Disabled {
		logger.Debug("trust gate disabled by config")

		return out, nil
	}

	direnv, err := sandbox.NewDirenv(cfg.DevShell.StatusCommand, cfg.DevShell.ExportCommand, env)
	if err != nil {
		return sandbox.Config{}, fmt.Errorf("dev shell: %w", err)
	}

	out.TrustStore = direnv
	out.DevShell = direnv

	return out, nil
}

// sandboxEnvironment describes the invoking user and project.
func sandboxEnvironment(cfg *Config, env map[string]string) (sandbox.Environment, error) {
	out, err := sandbox.DefaultEnvironment()
	if err != nil {
		return sandbox.Environment{}, err
	}

	out.WorkDir = cfg.EffectiveCwd
	out.HostEnv = env

	if home := env["HOME"]; filepath.IsAbs(home) {
		out.HomeDir = filepath.Clean(home)
	}

	if user := env["USER"]; out.User == "" && user != "" {
		out.User = user
	}

	return out, nil
}

func newSandbox(cfg *Config, env map[string]string, logger *zap.Logger) (*sandbox.Sandbox, error) {
	sbCfg, err := sandboxConfig(cfg, env, logger)
	if err != nil {
		return nil, err
	}

	sbEnv, err := sandboxEnvironment(cfg, env)
	if err != nil {
		return nil, err
	}

	s, err := sandbox.NewWithEnvironment(&sbCfg, sbEnv)
	if err != nil {
		return nil, err
	}

	mapping := s.Identity()
	logger.Debug("sandbox ready",
		zap.String("project", sbEnv.WorkDir),
		zap.String("home", sbEnv.HomeDir),
		zap.Bool("wideIds", mapping.Wide),
		zap.Int("mounts", len(s.MountPlan().Entries)),
	)

	return s, nil
}
