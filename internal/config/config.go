package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/aide-ai/aide/pkg/types"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Defaults applied after all sources are merged.
const (
	DefaultUsername          = "User"
	DefaultResponder         = "Aide"
	DefaultSidecarURL        = "http://127.0.0.1:42424"
	DefaultAuthRetries       = 3
	DefaultAuthRetryInterval = 1000
	DefaultPort              = 4242
	DefaultHostname          = "127.0.0.1"
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/aide/)
// 2. Project config (aide.json, .aide/aide.json)
// 3. AIDE_CONFIG file
// 4. AIDE_CONFIG_CONTENT inline JSON
// 5. Environment variables, after .env in the project directory is loaded
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	var loadErr error
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		err = loadConfigFile(path, config, baseDir)
		switch {
		case err == nil:
			loaded[absPath] = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			if loadErr == nil {
				loadErr = err
			}
		}
	}

	// 1. Global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "aide.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "aide.jsonc"), globalPath)

	// 2. Project config
	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".aide")
		loadOnce(filepath.Join(directory, "aide.json"), directory)
		loadOnce(filepath.Join(directory, "aide.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "aide.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "aide.jsonc"), projectConfigDir)
	}

	// 3. AIDE_CONFIG file override
	if configPath := os.Getenv("AIDE_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 4. AIDE_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("AIDE_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	// 5. .env then environment variables (highest priority)
	if directory != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(filepath.Join(directory, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if loadErr == nil {
				loadErr = err
			}
		}
	}
	applyEnvOverrides(config)
	applyDefaults(config)

	return config, loadErr
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return &ParseError{Path: path, Err: err}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// ParseError reports a config file that exists but is not valid JSON(C).
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "config: parse " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Username != "" {
		target.Username = source.Username
	}
	if source.Responder != "" {
		target.Responder = source.Responder
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}

	if source.Sidecar != nil {
		if target.Sidecar == nil {
			target.Sidecar = &types.SidecarConfig{}
		}
		s := source.Sidecar
		if s.URL != "" {
			target.Sidecar.URL = s.URL
		}
		if s.Token != "" {
			target.Sidecar.Token = s.Token
		}
		if s.AuthRetries != 0 {
			target.Sidecar.AuthRetries = s.AuthRetries
		}
		if s.AuthRetryInterval != 0 {
			target.Sidecar.AuthRetryInterval = s.AuthRetryInterval
		}
	}

	if source.Server != nil {
		if target.Server == nil {
			target.Server = &types.ServerConfig{}
		}
		s := source.Server
		if s.Port != 0 {
			target.Server.Port = s.Port
		}
		if s.Hostname != "" {
			target.Server.Hostname = s.Hostname
		}
		if s.CORS != nil {
			target.Server.CORS = s.CORS
		}
	}

	if source.Editing != nil {
		if target.Editing == nil {
			target.Editing = &types.EditingConfig{}
		}
		// Exclude globs accumulate across layers
		target.Editing.Exclude = append(target.Editing.Exclude, source.Editing.Exclude...)
		if source.Editing.Watch {
			target.Editing.Watch = true
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	if url := os.Getenv("AIDE_SIDECAR_URL"); url != "" {
		if config.Sidecar == nil {
			config.Sidecar = &types.SidecarConfig{}
		}
		config.Sidecar.URL = url
	}
	if token := os.Getenv("AIDE_SIDECAR_TOKEN"); token != "" {
		if config.Sidecar == nil {
			config.Sidecar = &types.SidecarConfig{}
		}
		config.Sidecar.Token = token
	}
	if level := os.Getenv("AIDE_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if port := os.Getenv("AIDE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			if config.Server == nil {
				config.Server = &types.ServerConfig{}
			}
			config.Server.Port = p
		}
	}
}

func applyDefaults(config *types.Config) {
	if config.Username == "" {
		config.Username = DefaultUsername
	}
	if config.Responder == "" {
		config.Responder = DefaultResponder
	}
	if config.Sidecar == nil {
		config.Sidecar = &types.SidecarConfig{}
	}
	if config.Sidecar.URL == "" {
		config.Sidecar.URL = DefaultSidecarURL
	}
	if config.Sidecar.AuthRetries <= 0 {
		config.Sidecar.AuthRetries = DefaultAuthRetries
	}
	if config.Sidecar.AuthRetryInterval <= 0 {
		config.Sidecar.AuthRetryInterval = DefaultAuthRetryInterval
	}
	if config.Server == nil {
		config.Server = &types.ServerConfig{}
	}
	if config.Server.Port == 0 {
		config.Server.Port = DefaultPort
	}
	if config.Server.Hostname == "" {
		config.Server.Hostname = DefaultHostname
	}
	if config.Editing == nil {
		config.Editing = &types.EditingConfig{}
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// CORSEnabled reports whether the server should send CORS headers. CORS is on
// unless explicitly disabled.
func CORSEnabled(config *types.Config) bool {
	if config.Server == nil || config.Server.CORS == nil {
		return true
	}
	return *config.Server.CORS
}
