//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// validateConfigAndEnv validates user-controlled configuration and environment.
//
// This function is the input boundary of the package. The rest of the
// implementation assumes that validated fields satisfy their basic invariants
// (non-empty, absolute paths where required). Filesystem checks happen later,
// in BuildMountPlan.
func validateConfigAndEnv(cfg *Config, env Environment) error {
	errs := make([]error, 0, 4)

	errs = append(errs, validateEnvironment(env)...)
	errs = append(errs, validateStorePaths(cfg)...)
	errs = append(errs, validateAbsList("read-only path", cfg.ReadOnly)...)
	errs = append(errs, validateTools(cfg.Tools)...)

	return errors.Join(errs...)
}

func validateEnvironment(env Environment) []error {
	var errs []error

	if strings.TrimSpace(env.WorkDir) == "" {
		errs = append(errs, errors.New("environment WorkDir is empty"))
	} else if !filepath.IsAbs(env.WorkDir) {
		errs = append(errs, fmt.Errorf("environment WorkDir %q is not absolute", env.WorkDir))
	}

	if strings.TrimSpace(env.HomeDir) == "" {
		errs = append(errs, errors.New("environment HomeDir is empty"))
	} else if !filepath.IsAbs(env.HomeDir) {
		errs = append(errs, fmt.Errorf("environment HomeDir %q is not absolute", env.HomeDir))
	}

	if strings.TrimSpace(env.User) == "" {
		errs = append(errs, errors.New("environment User is empty"))
	} else if strings.ContainsAny(env.User, ":\n") {
		errs = append(errs, fmt.Errorf("environment User %q is invalid", env.User))
	}

	if env.UID < 0 || env.GID < 0 {
		errs = append(errs, fmt.Errorf("environment ids %d:%d are negative", env.UID, env.GID))
	}

	return errs
}

func validateStorePaths(cfg *Config) []error {
	var errs []error

	if strings.TrimSpace(cfg.Store) == "" {
		errs = append(errs, errors.New("store path is empty"))
	}

	named := []struct{ name, path string }{
		{"store", cfg.Store},
		{"daemon socket", cfg.DaemonSocket},
		{"profile", cfg.Profile},
		{"shell", cfg.Shell},
		{"state dir", cfg.StateDir},
		{"ca bundle", cfg.System.CABundle},
		{"terminfo", cfg.System.Terminfo},
		{"locale archive", cfg.System.LocaleArchive},
	}

	for _, n := range named {
		if n.path != "" && !filepath.IsAbs(n.path) {
			errs = append(errs, fmt.Errorf("%s %q is not absolute", n.name, n.path))
		}
	}

	errs = append(errs, validateAbsList("PATH entry", cfg.Path)...)

	return errs
}

func validateAbsList(what string, paths []string) []error {
	var errs []error

	for i, p := range paths {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("%s %d is empty", what, i))

			continue
		}

		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s %q is not absolute", what, p))
		}
	}

	return errs
}

func validateTools(tools []Tool) []error {
	var errs []error

	seen := make(map[string]struct{}, len(tools))

	for _, tool := range tools {
		if tool.Name == "" || strings.Contains(tool.Name, "/") || tool.Name == "." || tool.Name == ".." {
			errs = append(errs, fmt.Errorf("tool name %q is invalid", tool.Name))

			continue
		}

		if _, ok := seen[tool.Name]; ok {
			errs = append(errs, fmt.Errorf("tool %q is listed twice", tool.Name))
		}

		seen[tool.Name] = struct{}{}

		for _, rel := range append(append([]string(nil), tool.Dirs...), tool.Files...) {
			if !isHomeRelative(rel) {
				errs = append(errs, fmt.Errorf("tool %q: state path %q must be relative to the home directory", tool.Name, rel))
			}
		}
	}

	return errs
}

// isHomeRelative reports whether rel names a path strictly beneath home.
func isHomeRelative(rel string) bool {
	if rel == "" || filepath.IsAbs(rel) {
		return false
	}

	cleaned := filepath.Clean(rel)

	return cleaned != "." && cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}
