package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Config is the resolved engine configuration.
type Config struct {
	// BaseURL of the agent backend the engine talks to.
	BaseURL string `json:"baseUrl,omitempty"`
	// SecretKey sent as X-Secret-Key on every backend request.
	SecretKey string `json:"secretKey,omitempty"`
	// WorkingDir passed when starting new agent sessions.
	WorkingDir string `json:"workingDir,omitempty"`

	LogLevel  string `json:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty"` // json or console

	// ArchiveDir enables the session snapshot sink when set.
	ArchiveDir string `json:"archiveDir,omitempty"`

	Reconnect ReconnectConfig `json:"reconnect,omitempty"`
}

// ReconnectConfig selects the retry cadence for the event connection.
type ReconnectConfig struct {
	Policy string `json:"policy,omitempty"` // exponential or constant
}

// DefaultBaseURL is used when no source names a backend.
const DefaultBaseURL = "http://127.0.0.1:3284"

// Load resolves configuration from multiple sources (priority order):
// 1. Global config (~/.agentdeck/)
// 2. Global config (~/.config/agentdeck/ - XDG compatible)
// 3. Project config (agentdeck.json[c] or .agentdeck/ in the directory)
// 4. AGENTDECK_CONFIG file
// 5. AGENTDECK_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*Config, error) {
	// A .env next to the project is picked up before env overrides run.
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}
	_ = godotenv.Load()

	config := &Config{
		BaseURL:   DefaultBaseURL,
		LogLevel:  "info",
		LogFormat: "json",
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Dotfile global config (~/.agentdeck/)
	home := os.Getenv("HOME")
	if home != "" {
		dotDir := filepath.Join(home, ".agentdeck")
		loadOnce(filepath.Join(dotDir, "agentdeck.json"), dotDir)
		loadOnce(filepath.Join(dotDir, "agentdeck.jsonc"), dotDir)
	}

	// 2. XDG global config (~/.config/agentdeck/)
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "agentdeck.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "agentdeck.jsonc"), globalPath)

	// 3. Project config
	if directory != "" {
		projectDir := filepath.Join(directory, ".agentdeck")
		loadOnce(filepath.Join(directory, "agentdeck.json"), directory)
		loadOnce(filepath.Join(directory, "agentdeck.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "agentdeck.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "agentdeck.jsonc"), projectDir)
	}

	// 4. AGENTDECK_CONFIG file override
	if configPath := os.Getenv("AGENTDECK_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 5. AGENTDECK_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("AGENTDECK_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig Config
		if err := json.Unmarshal([]byte(configContent), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	// 6. Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders, so a
// secret key can live outside the config file itself.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // keep the placeholder if the file is missing
		}

		escaped := strings.ReplaceAll(strings.TrimSpace(string(content)), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source into target; set fields win.
func mergeConfig(target, source *Config) {
	if source.BaseURL != "" {
		target.BaseURL = source.BaseURL
	}
	if source.SecretKey != "" {
		target.SecretKey = source.SecretKey
	}
	if source.WorkingDir != "" {
		target.WorkingDir = source.WorkingDir
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.LogFormat != "" {
		target.LogFormat = source.LogFormat
	}
	if source.ArchiveDir != "" {
		target.ArchiveDir = source.ArchiveDir
	}
	if source.Reconnect.Policy != "" {
		target.Reconnect.Policy = source.Reconnect.Policy
	}
}

// applyEnvOverrides applies AGENTDECK_* environment variables.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("AGENTDECK_BASE_URL"); v != "" {
		config.BaseURL = v
	}
	if v := os.Getenv("AGENTDECK_SECRET_KEY"); v != "" {
		config.SecretKey = v
	}
	if v := os.Getenv("AGENTDECK_WORKING_DIR"); v != "" {
		config.WorkingDir = v
	}
	if v := os.Getenv("AGENTDECK_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("AGENTDECK_LOG_FORMAT"); v != "" {
		config.LogFormat = v
	}
	if v := os.Getenv("AGENTDECK_ARCHIVE_DIR"); v != "" {
		config.ArchiveDir = v
	}
	if v := os.Getenv("AGENTDECK_RECONNECT_POLICY"); v != "" {
		config.Reconnect.Policy = v
	}
}

// Save writes the configuration to a file.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigDir returns the config directory to use.
// Prefers AGENTDECK_CONFIG_DIR, then ~/.agentdeck, then ~/.config/agentdeck.
func GetConfigDir() string {
	if dir := os.Getenv("AGENTDECK_CONFIG_DIR"); dir != "" {
		return dir
	}

	home := os.Getenv("HOME")
	if home != "" {
		dotDir := filepath.Join(home, ".agentdeck")
		if _, err := os.Stat(dotDir); err == nil {
			return dotDir
		}
	}

	return GetPaths().Config
}
