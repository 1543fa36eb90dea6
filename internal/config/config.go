package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Store       StoreConfig      `yaml:"store"`
	Endpoints   EndpointsConfig  `yaml:"endpoints"`
	Connection  ConnectionConfig `yaml:"connection"`
	Session     SessionConfig    `yaml:"session"`
	Location    LocationConfig   `yaml:"location"`
	TTS         TTSConfig        `yaml:"tts"`
	Audio       AudioConfig      `yaml:"audio"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EndpointsConfig lists the assistant backend addresses. Entries are
// WebSocket base URLs without the protocol path.
type EndpointsConfig struct {
	Host        string `yaml:"host"`
	Primary     string `yaml:"primary"`
	Alias       string `yaml:"alias"`
	Staging     string `yaml:"staging"`
	Development string `yaml:"development"`
	LegacyPath  string `yaml:"legacy_path"`
	NextGenPath string `yaml:"next_gen_path"`
	NextGen     bool   `yaml:"next_gen"`
}

type ConnectionConfig struct {
	MaxAttempts      int    `yaml:"max_attempts"`
	BaseDelayMS      int    `yaml:"base_delay_ms"`
	MaxDelayMS       int    `yaml:"max_delay_ms"`
	OpenTimeoutMS    int    `yaml:"open_timeout_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	HealthIntervalMS int    `yaml:"health_interval_ms"`
	HealthPath       string `yaml:"health_path"`
	EchoIDs          bool   `yaml:"echo_ids"`
}

func (c ConnectionConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

func (c ConnectionConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

func (c ConnectionConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMS) * time.Millisecond
}

func (c ConnectionConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c ConnectionConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMS) * time.Millisecond
}

// SessionConfig holds credentials used when auto_connect is set. When
// user_id is set without a token the credential store is consulted.
type SessionConfig struct {
	UserID      string `yaml:"user_id"`
	Token       string `yaml:"token"`
	AutoConnect bool   `yaml:"auto_connect"`
}

type LocationConfig struct {
	Mode      string  `yaml:"mode"` // disabled, static, http
	Endpoint  string  `yaml:"endpoint"`
	TimeoutMS int     `yaml:"timeout_ms"`
	City      string  `yaml:"city"`
	Region    string  `yaml:"region"`
	Country   string  `yaml:"country"`
	Timezone  string  `yaml:"timezone"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type TTSProviderConfig struct {
	Name       string  `yaml:"name"`
	Kind       string  `yaml:"kind"` // openai, exec, mock
	Priority   int     `yaml:"priority"`
	Command    string  `yaml:"command"`
	BaseURL    string  `yaml:"base_url"`
	APIKey     string  `yaml:"api_key"`
	Model      string  `yaml:"model"`
	Voice      string  `yaml:"voice"`
	Format     string  `yaml:"format"`
	Speed      float64 `yaml:"speed"`
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
}

type TTSConfig struct {
	Providers     []TTSProviderConfig `yaml:"providers"`
	TimeoutMS     int                 `yaml:"timeout_ms"`
	CacheSize     int                 `yaml:"cache_size"`
	MaxTextLength int                 `yaml:"max_text_length"`
	OpenAIAPIKey  string              `yaml:"openai_api_key"`
}

type AudioConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Muted         bool   `yaml:"muted"`
	SmokeTest     bool   `yaml:"smoke_test"`
	Player        string `yaml:"player"` // discard, exec, bus
	PlayerCommand string `yaml:"player_command"`
	AutoSpeak     bool   `yaml:"auto_speak"`
	DefaultVoice  string `yaml:"default_voice"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "relay",
		},
		Store: StoreConfig{
			Path:          "./data/loqa-relay.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEvents:     50000,
		},
		Endpoints: EndpointsConfig{
			Primary:     "wss://assistant.loqa.app",
			Alias:       "wss://assistant-eu.loqa.app",
			Staging:     "wss://staging.assistant.loqa.app",
			Development: "ws://localhost:8000",
			LegacyPath:  "/ws",
			NextGenPath: "/v2/ws",
		},
		Connection: ConnectionConfig{
			MaxAttempts:      5,
			BaseDelayMS:      1000,
			MaxDelayMS:       300000,
			OpenTimeoutMS:    10000,
			RequestTimeoutMS: 30000,
			HealthIntervalMS: 30000,
			HealthPath:       "/health",
		},
		Location: LocationConfig{
			Mode:      "disabled",
			TimeoutMS: 1500,
		},
		TTS: TTSConfig{
			Providers: []TTSProviderConfig{
				{Name: "mock", Kind: "mock", Priority: 100, SampleRate: 22050, Channels: 1},
			},
			TimeoutMS:     20000,
			CacheSize:     64,
			MaxTextLength: 4000,
		},
		Audio: AudioConfig{
			Enabled:      true,
			Player:       "discard",
			DefaultVoice: "alloy",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "LOQA_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxEvents, "LOQA_STORE_MAX_EVENTS")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_STORE_VACUUM_ON_START")
	overrideString(&cfg.Endpoints.Host, "LOQA_ENDPOINTS_HOST")
	overrideString(&cfg.Endpoints.Primary, "LOQA_ENDPOINTS_PRIMARY")
	overrideString(&cfg.Endpoints.Alias, "LOQA_ENDPOINTS_ALIAS")
	overrideString(&cfg.Endpoints.Staging, "LOQA_ENDPOINTS_STAGING")
	overrideString(&cfg.Endpoints.Development, "LOQA_ENDPOINTS_DEVELOPMENT")
	overrideBool(&cfg.Endpoints.NextGen, "LOQA_ENDPOINTS_NEXT_GEN")
	overrideInt(&cfg.Connection.MaxAttempts, "LOQA_CONNECTION_MAX_ATTEMPTS")
	overrideInt(&cfg.Connection.BaseDelayMS, "LOQA_CONNECTION_BASE_DELAY_MS")
	overrideInt(&cfg.Connection.MaxDelayMS, "LOQA_CONNECTION_MAX_DELAY_MS")
	overrideInt(&cfg.Connection.OpenTimeoutMS, "LOQA_CONNECTION_OPEN_TIMEOUT_MS")
	overrideInt(&cfg.Connection.RequestTimeoutMS, "LOQA_CONNECTION_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Connection.HealthIntervalMS, "LOQA_CONNECTION_HEALTH_INTERVAL_MS")
	overrideString(&cfg.Connection.HealthPath, "LOQA_CONNECTION_HEALTH_PATH")
	overrideBool(&cfg.Connection.EchoIDs, "LOQA_CONNECTION_ECHO_IDS")
	overrideString(&cfg.Session.UserID, "LOQA_SESSION_USER_ID")
	overrideString(&cfg.Session.Token, "LOQA_SESSION_TOKEN")
	overrideBool(&cfg.Session.AutoConnect, "LOQA_SESSION_AUTO_CONNECT")
	overrideString(&cfg.Location.Mode, "LOQA_LOCATION_MODE")
	overrideString(&cfg.Location.Endpoint, "LOQA_LOCATION_ENDPOINT")
	overrideInt(&cfg.Location.TimeoutMS, "LOQA_LOCATION_TIMEOUT_MS")
	overrideString(&cfg.Location.City, "LOQA_LOCATION_CITY")
	overrideString(&cfg.Location.Country, "LOQA_LOCATION_COUNTRY")
	overrideFloat(&cfg.Location.Latitude, "LOQA_LOCATION_LATITUDE")
	overrideFloat(&cfg.Location.Longitude, "LOQA_LOCATION_LONGITUDE")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.CacheSize, "LOQA_TTS_CACHE_SIZE")
	overrideInt(&cfg.TTS.MaxTextLength, "LOQA_TTS_MAX_TEXT_LENGTH")
	overrideString(&cfg.TTS.OpenAIAPIKey, "LOQA_TTS_OPENAI_API_KEY")
	overrideBool(&cfg.Audio.Enabled, "LOQA_AUDIO_ENABLED")
	overrideBool(&cfg.Audio.Muted, "LOQA_AUDIO_MUTED")
	overrideBool(&cfg.Audio.SmokeTest, "LOQA_AUDIO_SMOKE_TEST")
	overrideString(&cfg.Audio.Player, "LOQA_AUDIO_PLAYER")
	overrideString(&cfg.Audio.PlayerCommand, "LOQA_AUDIO_PLAYER_COMMAND")
	overrideBool(&cfg.Audio.AutoSpeak, "LOQA_AUDIO_AUTO_SPEAK")
	overrideString(&cfg.Audio.DefaultVoice, "LOQA_AUDIO_DEFAULT_VOICE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if _, err := ParseLogLevel(cfg.Telemetry.LogLevel); err != nil {
		return fmt.Errorf("telemetry.log_level: %w", err)
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Endpoints.Primary == "" && cfg.Endpoints.Alias == "" && cfg.Endpoints.Staging == "" && cfg.Endpoints.Development == "" {
		return errors.New("endpoints: at least one address must be configured")
	}
	if cfg.Connection.MaxAttempts < 0 {
		return errors.New("connection.max_attempts must be >= 0")
	}
	if cfg.Connection.BaseDelayMS <= 0 {
		return errors.New("connection.base_delay_ms must be positive")
	}
	if cfg.Connection.MaxDelayMS < cfg.Connection.BaseDelayMS {
		return errors.New("connection.max_delay_ms must be >= base delay")
	}
	if cfg.Connection.RequestTimeoutMS <= 0 {
		return errors.New("connection.request_timeout_ms must be positive")
	}
	if cfg.Connection.OpenTimeoutMS <= 0 {
		return errors.New("connection.open_timeout_ms must be positive")
	}
	if cfg.Session.AutoConnect && cfg.Session.UserID == "" {
		return errors.New("session.user_id must be set when auto_connect is enabled")
	}
	switch cfg.Location.Mode {
	case "disabled", "static":
	case "http":
		if cfg.Location.Endpoint == "" {
			return errors.New("location.endpoint must be set when mode=http")
		}
	default:
		return errors.New("location.mode must be one of disabled|static|http")
	}
	seen := make(map[string]bool, len(cfg.TTS.Providers))
	for i, p := range cfg.TTS.Providers {
		if p.Name == "" {
			return fmt.Errorf("tts.providers[%d].name must not be empty", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("tts.providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "mock":
		case "exec":
			if p.Command == "" {
				return fmt.Errorf("tts.providers[%d].command must be set when kind=exec", i)
			}
		case "openai":
		default:
			return fmt.Errorf("tts.providers[%d].kind must be one of openai|exec|mock", i)
		}
	}
	if cfg.Audio.Enabled && len(cfg.TTS.Providers) == 0 {
		return errors.New("tts.providers must not be empty when audio is enabled")
	}
	switch cfg.Audio.Player {
	case "discard", "bus":
	case "exec":
		if cfg.Audio.PlayerCommand == "" {
			return errors.New("audio.player_command must be set when player=exec")
		}
	default:
		return errors.New("audio.player must be one of discard|exec|bus")
	}
	if cfg.Audio.Player == "bus" && !cfg.Bus.Enabled {
		return errors.New("audio.player=bus requires bus.enabled")
	}
	return nil
}
