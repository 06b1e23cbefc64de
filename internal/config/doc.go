// Package config provides configuration loading, merging, and path management for aide.
//
// # Configuration Loading
//
// Load merges configuration from multiple sources in priority order:
//
//  1. Global config (~/.config/aide/aide.json or aide.jsonc)
//  2. Project config (aide.json/aide.jsonc and .aide/aide.json/aide.jsonc)
//  3. AIDE_CONFIG file
//  4. AIDE_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// A .env file in the project directory is loaded with godotenv before the
// environment overrides are read. Variables already present in the process
// environment win over the .env file.
//
// # Supported Formats
//
// Both JSON and JSONC (JSON with comments, via tidwall/jsonc) are accepted.
//
// # Variable Interpolation
//
// Configuration files support two placeholder forms:
//   - {env:VAR_NAME} expands to the environment variable value
//   - {file:path} expands to the file contents, escaped for a JSON string
//
// Relative {file:} paths resolve against the directory of the config file, and
// ~/ expands to HOME.
//
//	{
//	  "sidecar": {
//	    "url": "http://127.0.0.1:42424",
//	    "token": "{file:~/.aide-token}"
//	  },
//	  "editing": {
//	    "exclude": ["**/node_modules/**", "**/*.lock"]
//	  }
//	}
//
// # Merging
//
// Scalars from later sources overwrite earlier ones; editing.exclude globs
// accumulate across layers.
//
// # Environment Variable Overrides
//
//   - AIDE_SIDECAR_URL - agent backend base URL
//   - AIDE_SIDECAR_TOKEN - agent backend bearer token
//   - AIDE_LOG_LEVEL - DEBUG|INFO|WARN|ERROR
//   - AIDE_PORT - HTTP server port
//   - AIDE_CONFIG - path to a specific config file
//   - AIDE_CONFIG_CONTENT - inline JSON configuration
//
// # Path Management
//
// Paths follows the XDG Base Directory layout with the app name "aide":
//   - Data: ~/.local/share/aide (XDG_DATA_HOME)
//   - Config: ~/.config/aide (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/aide (XDG_CACHE_HOME)
//   - State: ~/.local/state/aide (XDG_STATE_HOME)
package config
