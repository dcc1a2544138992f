package altopt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigEnv names the environment variable holding the driver config file path.
const ConfigEnv = "ALTOPT_CONFIG"

// Config holds the driver settings that are not part of the training command line.
type Config struct {
	// Training framework layout.
	ModelsDir  string `yaml:"models_dir"`
	OutputRoot string `yaml:"output_root"`
	ExpDir     string `yaml:"exp_dir"`
	OutputDir  string `yaml:"output_dir"` // Overrides OutputRoot/ExpDir/<imdb> when set.

	// Worker process.
	WorkerCommand []string `yaml:"worker_command"`
	WorkerDir     string   `yaml:"worker_dir"`
	MaxIters      [4]int   `yaml:"max_iters"`

	// Reporting. All optional.
	MetricsFile    string `yaml:"metrics_file"`
	StatusAddr     string `yaml:"status_addr"`
	NotifyURL      string `yaml:"notify_url"`
	LogDevelopment bool   `yaml:"log_development"`
}

// Default returns the settings matching the framework's own defaults.
func Default() Config {
	return Config{
		ModelsDir:     "models",
		OutputRoot:    "output",
		ExpDir:        "default",
		WorkerCommand: []string{"python", "tools/alt_opt_worker.py"},
		MaxIters:      DefaultMaxIters,
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when path is empty) and
// then with ALTOPT_* environment variables. A .env file in the working directory is loaded first
// if present.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading driver config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing driver config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ModelsDir = getEnvOrDefault("ALTOPT_MODELS_DIR", c.ModelsDir)
	c.OutputRoot = getEnvOrDefault("ALTOPT_OUTPUT_ROOT", c.OutputRoot)
	c.ExpDir = getEnvOrDefault("ALTOPT_EXP_DIR", c.ExpDir)
	c.OutputDir = getEnvOrDefault("ALTOPT_OUTPUT_DIR", c.OutputDir)
	c.WorkerDir = getEnvOrDefault("ALTOPT_WORKER_DIR", c.WorkerDir)
	c.MetricsFile = getEnvOrDefault("ALTOPT_METRICS_FILE", c.MetricsFile)
	c.StatusAddr = getEnvOrDefault("ALTOPT_STATUS_ADDR", c.StatusAddr)
	c.NotifyURL = getEnvOrDefault("ALTOPT_NOTIFY_URL", c.NotifyURL)

	if v := os.Getenv("ALTOPT_WORKER_COMMAND"); v != "" {
		c.WorkerCommand = strings.Fields(v)
	}
	if v := os.Getenv("ALTOPT_MAX_ITERS"); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) != len(c.MaxIters) {
			return fmt.Errorf("ALTOPT_MAX_ITERS needs %d comma separated values, got %q", len(c.MaxIters), v)
		}
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return fmt.Errorf("ALTOPT_MAX_ITERS: %w", err)
			}
			c.MaxIters[i] = n
		}
	}
	if v := os.Getenv("ALTOPT_LOG_DEVELOPMENT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALTOPT_LOG_DEVELOPMENT: %w", err)
		}
		c.LogDevelopment = b
	}
	return nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if len(c.WorkerCommand) == 0 || c.WorkerCommand[0] == "" {
		return fmt.Errorf("worker_command is required")
	}
	if c.ModelsDir == "" {
		return fmt.Errorf("models_dir is required")
	}
	if c.OutputDir == "" && c.OutputRoot == "" {
		return fmt.Errorf("output_root or output_dir is required")
	}
	for i, n := range c.MaxIters {
		if n <= 0 {
			return fmt.Errorf("max_iters[%d] must be positive, got %d", i, n)
		}
	}
	return nil
}

// OutputDirFor returns the directory the workers write snapshots and proposals to when training
// on imdb. An EXP_DIR key in the framework config file or the set pairs replaces ExpDir, the
// latter taking precedence, as the framework applies them in that order.
func (c *Config) OutputDirFor(imdb, cfgFile string, set []string) (string, error) {
	if c.OutputDir != "" {
		return c.OutputDir, nil
	}

	expDir := c.ExpDir
	if cfgFile != "" {
		data, err := os.ReadFile(cfgFile)
		if err != nil {
			return "", fmt.Errorf("reading framework config: %w", err)
		}
		var frameworkCfg struct {
			ExpDir string `yaml:"EXP_DIR"`
		}
		if err := yaml.Unmarshal(data, &frameworkCfg); err != nil {
			return "", fmt.Errorf("parsing framework config %q: %w", cfgFile, err)
		}
		if frameworkCfg.ExpDir != "" {
			expDir = frameworkCfg.ExpDir
		}
	}
	for i := 0; i+1 < len(set); i += 2 {
		if set[i] == "EXP_DIR" {
			expDir = set[i+1]
		}
	}

	return filepath.Join(c.OutputRoot, expDir, imdb), nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
