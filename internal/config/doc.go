// Package config provides configuration loading, merging, and path management
// for agentdeck.
//
// # Configuration Loading
//
// The Load function searches for and merges configuration from multiple
// sources in priority order:
//
//  1. Global config (~/.agentdeck/)
//  2. Global config (~/.config/agentdeck/ - XDG compatible)
//  3. Project config (agentdeck.json[c] or .agentdeck/ in the working directory)
//  4. AGENTDECK_CONFIG file
//  5. AGENTDECK_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Later sources override earlier ones; environment variables always win.
// A .env file next to the project is loaded through godotenv before the
// environment overrides are applied.
//
// # Supported Formats
//
// Both JSON and JSONC (JSON with Comments) are accepted:
//   - agentdeck.json - standard JSON configuration
//   - agentdeck.jsonc - JSON with comments, processed using tidwall/jsonc
//
// # Variable Interpolation
//
// Configuration files support two placeholder forms:
//   - {env:VAR_NAME} - expands to environment variable values
//   - {file:path} - expands to file contents (properly escaped for JSON)
//
// File paths in {file:path} placeholders may be absolute, relative to the
// config file's directory, or rooted at the home directory with ~/. This
// keeps the backend secret out of the config file itself:
//
//	{
//	  // backend connection
//	  "baseUrl": "http://127.0.0.1:3284",
//	  "secretKey": "{file:~/.agentdeck/secret}"
//	}
//
// # Path Management
//
// XDG Base Directory compliant paths are exposed through the Paths type:
//   - Data: ~/.local/share/agentdeck (XDG_DATA_HOME)
//   - Config: ~/.config/agentdeck (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/agentdeck (XDG_CACHE_HOME)
//   - State: ~/.local/state/agentdeck (XDG_STATE_HOME)
//
// On Windows these adapt to APPDATA.
//
// # Environment Variable Overrides
//
//   - AGENTDECK_BASE_URL - backend base URL
//   - AGENTDECK_SECRET_KEY - backend secret
//   - AGENTDECK_WORKING_DIR - working directory for new sessions
//   - AGENTDECK_LOG_LEVEL, AGENTDECK_LOG_FORMAT - logging
//   - AGENTDECK_ARCHIVE_DIR - session snapshot directory
//   - AGENTDECK_RECONNECT_POLICY - exponential or constant
//   - AGENTDECK_CONFIG - path to a specific config file
//   - AGENTDECK_CONFIG_CONTENT - inline JSON configuration
//   - AGENTDECK_CONFIG_DIR - override the config directory location
//
// # Hot Reload
//
// Watch observes the resolved config files through fsnotify and reloads on
// change, letting a running process pick up a new log level without a
// restart.
package config
