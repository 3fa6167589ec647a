package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	ComfyUI  ComfyUIConfig  `yaml:"comfyui"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Fal      FalConfig      `yaml:"fal"`
	Services ServicesConfig `yaml:"services"`
	Redis    RedisConfig    `yaml:"redis"`
	Paths    PathsConfig    `yaml:"paths"`
	Training TrainingConfig `yaml:"training"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ComfyUIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	ModelsDir string        `yaml:"models_dir"`
	Timeout   time.Duration `yaml:"timeout"`
	// Managed controls whether the supervisor starts the engine process
	// itself or only monitors an externally started one.
	Managed    bool   `yaml:"managed"`
	StartCmd   string `yaml:"start_cmd"`
	WorkingDir string `yaml:"working_dir"`
}

type GeminiConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	RatePerMin  int           `yaml:"rate_per_min"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryBaseMS int           `yaml:"retry_base_ms"`
}

type FalConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	CallDelayMS int           `yaml:"call_delay_ms"`
}

type ServicesConfig struct {
	Detector   ModelServiceConfig `yaml:"detector"`
	Classifier ModelServiceConfig `yaml:"classifier"`
}

type ModelServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PathsConfig struct {
	AppPath    string `yaml:"app_path"`
	ScratchDir string `yaml:"scratch_dir"`
	HFHome     string `yaml:"hf_home"`
}

type TrainingConfig struct {
	TemplatePath string `yaml:"template_path"`
	RunnerScript string `yaml:"runner_script"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return &cfg, nil
}

// LoadOrDefault loads the file when it exists and otherwise returns the
// built-in defaults with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		cfg := &Config{}
		cfg.applyDefaults()
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.ComfyUI.BaseURL == "" {
		c.ComfyUI.BaseURL = "http://127.0.0.1:8188"
	}
	if c.ComfyUI.Timeout == 0 {
		c.ComfyUI.Timeout = 30 * time.Minute
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash"
	}
	if c.Gemini.MaxTokens == 0 {
		c.Gemini.MaxTokens = 1000
	}
	if c.Gemini.Timeout == 0 {
		c.Gemini.Timeout = 2 * time.Minute
	}
	if c.Gemini.RatePerMin == 0 {
		c.Gemini.RatePerMin = 15
	}
	if c.Gemini.MaxRetries == 0 {
		c.Gemini.MaxRetries = 5
	}
	if c.Gemini.RetryBaseMS == 0 {
		c.Gemini.RetryBaseMS = 4000
	}
	if c.Fal.BaseURL == "" {
		c.Fal.BaseURL = "https://queue.fal.run"
	}
	if c.Fal.Timeout == 0 {
		c.Fal.Timeout = 10 * time.Minute
	}
	if c.Fal.CallDelayMS == 0 {
		c.Fal.CallDelayMS = 2000
	}
	if c.Services.Detector.BaseURL == "" {
		c.Services.Detector.BaseURL = "http://127.0.0.1:8189"
	}
	if c.Services.Detector.Timeout == 0 {
		c.Services.Detector.Timeout = 60 * time.Second
	}
	if c.Services.Classifier.BaseURL == "" {
		c.Services.Classifier.BaseURL = "https://api-inference.huggingface.co/models/Falconsai/nsfw_image_detection"
	}
	if c.Services.Classifier.Timeout == 0 {
		c.Services.Classifier.Timeout = 60 * time.Second
	}
	if c.Paths.AppPath == "" {
		c.Paths.AppPath, _ = os.Getwd()
	}
	if c.Paths.ScratchDir == "" {
		c.Paths.ScratchDir = filepath.Join(c.Paths.AppPath, "scratch")
	}
	if c.Training.TemplatePath == "" {
		c.Training.TemplatePath = filepath.Join(c.Paths.AppPath, "scripts", "character_lora.yaml")
	}
	if c.Training.RunnerScript == "" {
		c.Training.RunnerScript = filepath.Join(c.Paths.AppPath, "scripts", "run_ai_toolkit.sh")
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("FAL_KEY"); v != "" {
		c.Fal.APIKey = v
	}
	if v := os.Getenv("HF_TOKEN"); v != "" {
		c.Services.Classifier.APIKey = v
	}
	if v := os.Getenv("APP_PATH"); v != "" {
		c.Paths.AppPath = v
		c.Paths.ScratchDir = filepath.Join(v, "scratch")
		c.Training.TemplatePath = filepath.Join(v, "scripts", "character_lora.yaml")
		c.Training.RunnerScript = filepath.Join(v, "scripts", "run_ai_toolkit.sh")
	}
	if v := os.Getenv("HF_HOME"); v != "" {
		c.Paths.HFHome = v
	}
	if v := os.Getenv("COMFYUI_URL"); v != "" {
		c.ComfyUI.BaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}
