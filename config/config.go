package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// BaseURL is handed to the permission helper so it can call back into
	// this server. Defaults to http://<host>:<port> with localhost
	// substituted for 0.0.0.0.
	BaseURL string

	// Data directory (~/.cui) holding session-info.json, preferences.sqlite
	// and generated MCP config files.
	DataDir string

	// Database
	DatabasePath string

	// Claude CLI integration
	ClaudePath       string // claude binary, resolved via PATH by default
	ProjectsDir      string // ~/.claude/projects
	PermissionHelper string // helper binary the CLI reaches over MCP stdio
	PermissionTool   string // tool identifier routed through the helper
	MaxConversations int    // concurrent child process cap

	// Timeouts
	InitTimeout       time.Duration // waiting for the CLI init record
	StopGracePeriod   time.Duration // SIGINT → SIGKILL window
	PermissionTimeout time.Duration // blocking permission wait

	// Debug settings
	DebugModules string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	homeDir, _ := os.UserHomeDir()

	dataDir := getEnv("CUI_DATA_DIR", filepath.Join(homeDir, ".cui"))
	host := getEnv("HOST", "0.0.0.0")
	port := getEnvInt("PORT", 3001)

	baseHost := host
	if baseHost == "0.0.0.0" || baseHost == "" {
		baseHost = "localhost"
	}

	return &Config{
		// Server
		Port:    port,
		Host:    host,
		Env:     getEnv("ENV", "development"),
		BaseURL: getEnv("CUI_BASE_URL", fmt.Sprintf("http://%s:%d", baseHost, port)),

		// Data
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "preferences.sqlite"),

		// Claude CLI
		ClaudePath:       getEnv("CLAUDE_PATH", "claude"),
		ProjectsDir:      getEnv("CLAUDE_PROJECTS_DIR", filepath.Join(homeDir, ".claude", "projects")),
		PermissionHelper: getEnv("CUI_PERMISSION_HELPER", "cui-permission-helper"),
		PermissionTool:   getEnv("CUI_PERMISSION_TOOL", "mcp__cui-permissions__approval_prompt"),
		MaxConversations: getEnvInt("CUI_MAX_CONVERSATIONS", 10),

		// Timeouts
		InitTimeout:       getEnvDuration("CUI_INIT_TIMEOUT", 30*time.Second),
		StopGracePeriod:   getEnvDuration("CUI_STOP_GRACE_PERIOD", 5*time.Second),
		PermissionTimeout: getEnvDuration("CUI_PERMISSION_TIMEOUT", time.Hour),

		// Debug
		DebugModules: getEnv("DEBUG", ""),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
