//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/ciiol/yolo-nix-sandbox/sandbox"
)

var (
	// ErrDuplicateConfigFiles is returned when both .json and .jsonc config files exist.
	ErrDuplicateConfigFiles = errors.New("duplicate config files")
	// ErrProjectConfigKey is returned when a project config sets a key that
	// only the user config, --config or the environment may set.
	ErrProjectConfigKey = errors.New("setting not allowed in project config")
)

// Config holds the application configuration.
type Config struct {
	Profile      string   `json:"profile,omitempty"`
	Store        string   `json:"store,omitempty"`
	DaemonSocket string   `json:"daemonSocket,omitempty"`
	Path         []string `json:"path,omitempty"`
	Shell        string   `json:"shell,omitempty"`
	Pager        string   `json:"pager,omitempty"`
	Lang         string   `json:"lang,omitempty"`

	CABundle      string `json:"caBundle,omitempty"`
	Terminfo      string `json:"terminfo,omitempty"`
	LocaleArchive string `json:"localeArchive,omitempty"`

	StateDir string   `json:"stateDir,omitempty"`
	ReadOnly []string `json:"readOnly,omitempty"`
	Hidden   []string `json:"hidden,omitempty"`

	Network *bool `json:"network,omitempty"`
	WideIDs *bool `json:"wideIds,omitempty"`

	DevShell DevShellConfig `json:"devShell"`

	// Tools maps a tool name to its persistent home paths. A tool mapped to
	// no paths is removed.
	Tools map[string]ToolConfig `json:"tools,omitempty"`

	// Resolved (not serialized)
	EffectiveCwd string   `json:"-"`
	LoadedFiles  []string `json:"-"`
}

// ToolConfig lists home-relative persistent paths of one tool.
type ToolConfig struct {
	Dirs  []string `json:"dirs,omitempty"`
	Files []string `json:"files,omitempty"`
}

// DevShellConfig configures the trust store and dev-shell evaluator commands.
type DevShellConfig struct {
	StatusCommand string `json:"statusCommand,omitempty"`
	ExportCommand string `json:"exportCommand,omitempty"`
	// Disabled turns the trust gate off: every signalled run is not-allowed.
	Disabled *bool `json:"disabled,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	tools := make(map[string]ToolConfig)
	for _, tool := range sandbox.DefaultTools() {
		tools[tool.Name] = ToolConfig{Dirs: tool.Dirs, Files: tool.Files}
	}

	return Config{
		Profile:       defaultProfile,
		Store:         defaultStore,
		DaemonSocket:  defaultDaemonSocket,
		CABundle:      defaultCABundle,
		Terminfo:      defaultTerminfo,
		LocaleArchive: defaultLocaleArchive,
		Network:       boolPtr(true),
		WideIDs:       boolPtr(true),
		DevShell: DevShellConfig{
			StatusCommand: sandbox.DefaultDirenvStatusCommand,
			ExportCommand: sandbox.DefaultDirenvExportCommand,
		},
		Tools: tools,
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // --config flag value
	Env             map[string]string // Environment variables (XDG_CONFIG_HOME, YOLO_*)
}

// LoadConfig loads configuration with the following precedence (later overrides earlier):
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/yolo/config.json or config.jsonc
//     (defaults to ~/.config/yolo/) - always loaded if exists
//  3. Project config OR --config path (not both):
//     - Without --config: .yolo.json or .yolo.jsonc in workDir, limited to
//       settings that cannot widen the sandbox (see checkProjectConfig)
//     - With --config: uses that path instead of project config
//  4. YOLO_PROFILE and YOLO_STATE_DIR
//
// Both .json and .jsonc files support comments via tailscale/hujson.
// If both .json and .jsonc exist at the same location, it's an error.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	if !filepath.IsAbs(workDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		workDir = filepath.Join(cwd, workDir)
	}

	cfg := DefaultConfig()

	globalConfigBasePath, err := getUserConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	err = mergeConfigFile(&cfg, globalConfigBasePath, nil)
	if err != nil {
		return Config{}, err
	}

	if input.ConfigPath != "" {
		configPath := input.ConfigPath
		if !filepath.IsAbs(configPath) {
			configPath = filepath.Join(workDir, configPath)
		}

		explicitCfg, err := loadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfigs(&cfg, &explicitCfg)
		cfg.LoadedFiles = append(cfg.LoadedFiles, configPath)
	} else {
		err = mergeConfigFile(&cfg, filepath.Join(workDir, ".yolo"), checkProjectConfig)
		if err != nil {
			return Config{}, err
		}
	}

	if profile := input.Env["YOLO_PROFILE"]; profile != "" {
		cfg.Profile = profile
	}

	if stateDir := input.Env["YOLO_STATE_DIR"]; stateDir != "" {
		cfg.StateDir = stateDir
	}

	cfg.EffectiveCwd = filepath.Clean(workDir)

	return cfg, nil
}

// mergeConfigFile merges the config at basePath(.json|.jsonc) into cfg. A
// missing file is not an error; an invalid one is. check, when set, vets the
// file's settings before they are merged.
func mergeConfigFile(cfg *Config, basePath string, check func(path string, cfg *Config) error) error {
	path, err := findConfigFile(basePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return err
	}

	fileCfg, err := loadConfigFile(path)
	if err != nil {
		return err
	}

	if check != nil {
		err = check(path, &fileCfg)
		if err != nil {
			return err
		}
	}

	*cfg = mergeConfigs(cfg, &fileCfg)
	cfg.LoadedFiles = append(cfg.LoadedFiles, path)

	return nil
}

// checkProjectConfig rejects project settings that widen the sandbox or run
// host commands. The project directory is writable from inside the sandbox,
// so its config may only narrow: booleans may only switch features off and
// tools may only be removed.
func checkProjectConfig(path string, cfg *Config) error {
	var keys []string

	deny := func(set bool, key string) {
		if set {
			keys = append(keys, key)
		}
	}

	deny(cfg.Profile != "", "profile")
	deny(cfg.Store != "", "store")
	deny(cfg.DaemonSocket != "", "daemonSocket")
	deny(cfg.CABundle != "", "caBundle")
	deny(cfg.Terminfo != "", "terminfo")
	deny(cfg.LocaleArchive != "", "localeArchive")
	deny(cfg.StateDir != "", "stateDir")
	deny(len(cfg.ReadOnly) > 0, "readOnly")
	deny(cfg.Network != nil && *cfg.Network, "network")
	deny(cfg.WideIDs != nil && *cfg.WideIDs, "wideIds")
	deny(cfg.DevShell.StatusCommand != "", "devShell.statusCommand")
	deny(cfg.DevShell.ExportCommand != "", "devShell.exportCommand")
	deny(cfg.DevShell.Disabled != nil && !*cfg.DevShell.Disabled, "devShell.disabled")

	for _, name := range slices.Sorted(maps.Keys(cfg.Tools)) {
		tool := cfg.Tools[name]
		deny(len(tool.Dirs) > 0 || len(tool.Files) > 0, "tools."+name)
	}

	if len(keys) > 0 {
		return fmt.Errorf("%w: %s sets %s; move it to the user config or pass --config",
			ErrProjectConfigKey, path, strings.Join(keys, ", "))
	}

	return nil
}

// findConfigFile finds basePath.json or basePath.jsonc and returns an error
// if both exist.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, err := fileExists(jsonPath)
	if err != nil {
		return "", err
	}

	jsoncExists, err := fileExists(jsoncPath)
	if err != nil {
		return "", err
	}

	switch {
	case jsonExists && jsoncExists:
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	case jsonExists:
		return jsonPath, nil
	case jsoncExists:
		return jsoncPath, nil
	default:
		return "", os.ErrNotExist
	}
}

// fileExists checks if a file exists and is not a directory.
// Returns (true, nil) if file exists, (false, nil) if not found,
// or (false, error) for other errors (e.g., permission denied).
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty/zero values in override do not override base values. Tools merge per
// name.
func mergeConfigs(base, override *Config) Config {
	result := *base

	mergeString(&result.Profile, override.Profile)
	mergeString(&result.Store, override.Store)
	mergeString(&result.DaemonSocket, override.DaemonSocket)
	mergeString(&result.Shell, override.Shell)
	mergeString(&result.Pager, override.Pager)
	mergeString(&result.Lang, override.Lang)
	mergeString(&result.CABundle, override.CABundle)
	mergeString(&result.Terminfo, override.Terminfo)
	mergeString(&result.LocaleArchive, override.LocaleArchive)
	mergeString(&result.StateDir, override.StateDir)
	mergeString(&result.DevShell.StatusCommand, override.DevShell.StatusCommand)
	mergeString(&result.DevShell.ExportCommand, override.DevShell.ExportCommand)

	if len(override.Path) > 0 {
		result.Path = override.Path
	}

	if len(override.ReadOnly) > 0 {
		result.ReadOnly = override.ReadOnly
	}

	if len(override.Hidden) > 0 {
		result.Hidden = override.Hidden
	}

	if override.Network != nil {
		result.Network = override.Network
	}

	if override.WideIDs != nil {
		result.WideIDs = override.WideIDs
	}

	if override.DevShell.Disabled != nil {
		result.DevShell.Disabled = override.DevShell.Disabled
	}

	if len(override.Tools) > 0 {
		result.Tools = maps.Clone(base.Tools)
		if result.Tools == nil {
			result.Tools = make(map[string]ToolConfig, len(override.Tools))
		}

		for name, tool := range override.Tools {
			if len(tool.Dirs) == 0 && len(tool.Files) == 0 {
				delete(result.Tools, name)

				continue
			}

			result.Tools[name] = tool
		}
	}

	return result
}

func mergeString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// getUserConfigBasePath returns the user config base path (without extension).
// Uses env map for XDG_CONFIG_HOME instead of os.Getenv().
func getUserConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "yolo", "config"), nil
	}

	home := env["HOME"]
	if home == "" {
		var err error

		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
	}

	return filepath.Join(home, ".config", "yolo", "config"), nil
}

// sandboxTools returns the configured tools in name order.
func (c *Config) sandboxTools() []sandbox.Tool {
	tools := make([]sandbox.Tool, 0, len(c.Tools))

	for _, name := range slices.Sorted(maps.Keys(c.Tools)) {
		tool := c.Tools[name]
		tools = append(tools, sandbox.Tool{Name: name, Dirs: slices.Clone(tool.Dirs), Files: slices.Clone(tool.Files)})
	}

	return tools
}
