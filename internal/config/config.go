package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config contains all runtime settings for the assistant.
type Config struct {
	BindAddr                 string        `toml:"bind_addr"`
	ShutdownTimeout          time.Duration `toml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `toml:"session_inactivity_timeout"`
	MetricsNamespace         string        `toml:"metrics_namespace"`
	AllowAnyOrigin           bool          `toml:"allow_any_origin"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	WakePhrase     string        `toml:"wake_phrase"`
	EndPhrase      string        `toml:"end_phrase"`
	AdminPrefix    string        `toml:"admin_prefix"`
	WakeArmTimeout time.Duration `toml:"wake_arm_timeout"`

	UserID             string `toml:"user_id"`
	HistoryMax         int    `toml:"history_max"`
	HistoryPromptTurns int    `toml:"history_prompt_turns"`
	HistoryDir         string `toml:"history_dir"`
	HistorySQLitePath  string `toml:"history_sqlite_path"`
	DatabaseURL        string `toml:"database_url"`
	HistoryRedactPII   bool   `toml:"history_redact_pii"`

	ScriptedPath  string `toml:"scripted_path"`
	ScriptedWatch bool   `toml:"scripted_watch"`

	PersonaName   string `toml:"persona_name"`
	PersonaTraits string `toml:"persona_traits"`

	LLMMode       string        `toml:"llm_mode"`
	LLMModel      string        `toml:"llm_model"`
	LLMAPIKey     string        `toml:"llm_api_key"`
	LLMBaseURL    string        `toml:"llm_base_url"`
	LLMHTTPURL    string        `toml:"llm_http_url"`
	LLMOllamaURL  string        `toml:"llm_ollama_url"`
	LLMTimeout    time.Duration `toml:"llm_timeout"`
	LLMMaxTokens  int           `toml:"llm_max_tokens"`
	LLMRetries    int           `toml:"llm_retries"`
	LLMSocksProxy string        `toml:"llm_socks_proxy"`

	Plugins            string `toml:"plugins"`
	WeatherAPIKey      string `toml:"weather_api_key"`
	WeatherBaseURL     string `toml:"weather_base_url"`
	WeatherDefaultCity string `toml:"weather_default_city"`

	STTCommand      string `toml:"stt_command"`
	TTSProvider     string `toml:"tts_provider"`
	TTSCommand      string `toml:"tts_command"`
	TTSVoice        string `toml:"tts_voice"`
	SpeechQueueSize int    `toml:"speech_queue_size"`
}

// Defaults returns the configuration used when neither a file nor the environment sets a value.
func Defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		MetricsNamespace:         "pai",
		LogLevel:                 "info",
		LogFormat:                "console",
		WakePhrase:               "hey computer",
		EndPhrase:                "over",
		AdminPrefix:              "plugin",
		WakeArmTimeout:           8 * time.Second,
		UserID:                   "local",
		HistoryMax:               20,
		HistoryPromptTurns:       10,
		HistoryDir:               "memory",
		ScriptedPath:             "data/qa.yaml",
		ScriptedWatch:            true,
		PersonaName:              "PAI",
		PersonaTraits:            "humorous,helpful,curious",
		LLMMode:                  "auto",
		LLMModel:                 "gpt-4o-mini",
		LLMOllamaURL:             "http://localhost:11434",
		LLMTimeout:               30 * time.Second,
		LLMMaxTokens:             150,
		LLMRetries:               2,
		Plugins:                  "weather,diagnostics",
		WeatherBaseURL:           "https://api.openweathermap.org/data/2.5/weather",
		TTSProvider:              "auto",
		TTSCommand:               "espeak",
		SpeechQueueSize:          8,
	}
}

// Load applies defaults, then the optional TOML file at path, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)
	cfg.WakePhrase = envOrDefault("WAKE_PHRASE", cfg.WakePhrase)
	cfg.EndPhrase = envOrDefault("END_PHRASE", cfg.EndPhrase)
	cfg.AdminPrefix = envOrDefault("ADMIN_PREFIX", cfg.AdminPrefix)
	cfg.UserID = envOrDefault("HISTORY_USER_ID", cfg.UserID)
	cfg.HistoryDir = envOrDefault("HISTORY_DIR", cfg.HistoryDir)
	cfg.HistorySQLitePath = envOrDefault("HISTORY_SQLITE_PATH", cfg.HistorySQLitePath)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.ScriptedPath = envOrDefault("SCRIPTED_RESPONSES_PATH", cfg.ScriptedPath)
	cfg.PersonaName = envOrDefault("PERSONA_NAME", cfg.PersonaName)
	cfg.PersonaTraits = envOrDefault("PERSONA_TRAITS", cfg.PersonaTraits)
	cfg.LLMMode = envOrDefault("LLM_MODE", cfg.LLMMode)
	cfg.LLMModel = envOrDefault("LLM_MODEL", cfg.LLMModel)
	cfg.LLMAPIKey = envOrDefault("LLM_API_KEY", envOrDefault("OPENAI_API_KEY", cfg.LLMAPIKey))
	cfg.LLMBaseURL = envOrDefault("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMHTTPURL = envOrDefault("LLM_HTTP_URL", cfg.LLMHTTPURL)
	cfg.LLMOllamaURL = envOrDefault("LLM_OLLAMA_URL", cfg.LLMOllamaURL)
	cfg.LLMSocksProxy = envOrDefault("LLM_SOCKS_PROXY", cfg.LLMSocksProxy)
	cfg.Plugins = envOrDefault("PLUGINS_ENABLED", cfg.Plugins)
	cfg.WeatherAPIKey = envOrDefault("WEATHER_API_KEY", cfg.WeatherAPIKey)
	cfg.WeatherBaseURL = envOrDefault("WEATHER_BASE_URL", cfg.WeatherBaseURL)
	cfg.WeatherDefaultCity = envOrDefault("WEATHER_DEFAULT_CITY", cfg.WeatherDefaultCity)
	cfg.STTCommand = envOrDefault("STT_COMMAND", cfg.STTCommand)
	cfg.TTSProvider = envOrDefault("TTS_PROVIDER", cfg.TTSProvider)
	cfg.TTSCommand = envOrDefault("TTS_COMMAND", cfg.TTSCommand)
	cfg.TTSVoice = envOrDefault("TTS_VOICE", cfg.TTSVoice)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WakeArmTimeout, err = durationFromEnv("WAKE_ARM_TIMEOUT", cfg.WakeArmTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.HistoryRedactPII, err = boolFromEnv("HISTORY_REDACT_PII", cfg.HistoryRedactPII); err != nil {
		return Config{}, err
	}
	if cfg.ScriptedWatch, err = boolFromEnv("SCRIPTED_WATCH", cfg.ScriptedWatch); err != nil {
		return Config{}, err
	}
	if cfg.HistoryMax, err = intFromEnv("HISTORY_MAX", cfg.HistoryMax); err != nil {
		return Config{}, err
	}
	if cfg.HistoryPromptTurns, err = intFromEnv("HISTORY_PROMPT_TURNS", cfg.HistoryPromptTurns); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.LLMRetries, err = intFromEnv("LLM_RETRIES", cfg.LLMRetries); err != nil {
		return Config{}, err
	}
	if cfg.SpeechQueueSize, err = intFromEnv("SPEECH_QUEUE_SIZE", cfg.SpeechQueueSize); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if strings.TrimSpace(c.WakePhrase) == "" {
		return fmt.Errorf("WAKE_PHRASE must not be empty")
	}
	if strings.TrimSpace(c.EndPhrase) == "" {
		return fmt.Errorf("END_PHRASE must not be empty")
	}
	if c.WakeArmTimeout < 0 {
		return fmt.Errorf("WAKE_ARM_TIMEOUT must be >= 0 (0 disables it)")
	}
	if c.HistoryMax <= 0 {
		return fmt.Errorf("HISTORY_MAX must be positive")
	}
	if c.HistoryPromptTurns < 0 {
		return fmt.Errorf("HISTORY_PROMPT_TURNS must be >= 0")
	}
	if c.LLMMaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	if c.LLMRetries < 0 {
		return fmt.Errorf("LLM_RETRIES must be >= 0")
	}
	if c.SpeechQueueSize <= 0 {
		return fmt.Errorf("SPEECH_QUEUE_SIZE must be positive")
	}
	return nil
}

// EnabledPlugins returns the configured plugin names in order.
func (c Config) EnabledPlugins() []string {
	return splitList(c.Plugins)
}

// Traits returns the persona traits in order.
func (c Config) Traits() []string {
	return splitList(c.PersonaTraits)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
