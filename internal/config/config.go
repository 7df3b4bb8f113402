package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlaceholderAPIKey is the value shipped in example env files; it never counts as a credential.
const PlaceholderAPIKey = "your_elevenlabs_api_key_here"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Relay       RelayConfig      `yaml:"relay"`
	Voice       VoiceConfig      `yaml:"voice"`
	Credential  CredentialConfig `yaml:"credential"`
	Router      RouterConfig     `yaml:"router"`
	Presence    PresenceConfig   `yaml:"presence"`
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
}

type EventStoreConfig struct {
	Path           string `yaml:"path"`
	RetentionMode  string `yaml:"retention_mode"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxSubmissions int    `yaml:"max_submissions"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

// RelayConfig controls the connection to the external agent backend.
type RelayConfig struct {
	WebhookURL     string   `yaml:"webhook_url"`
	WebhookSuffix  string   `yaml:"webhook_suffix"`
	SocketPath     string   `yaml:"socket_path"`
	Transports     []string `yaml:"transports"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	DefaultMode    string   `yaml:"default_mode"`
}

type VoiceConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Microphone MicrophoneConfig `yaml:"microphone"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
}

type MicrophoneConfig struct {
	Mode             string `yaml:"mode"` // exec, mock, none
	Command          string `yaml:"command"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	SliceMS          int    `yaml:"slice_ms"`
	EchoCancellation bool   `yaml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
}

type RecognizerConfig struct {
	Mode      string `yaml:"mode"` // exec, mock, none
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type CredentialConfig struct {
	APIKey string `yaml:"api_key"`
}

type RouterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
}

// PresenceConfig controls how bridge instances find each other on the bus.
type PresenceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ID                string `yaml:"id"` // defaults to the hostname
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "cursor-bridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:           "./data/bridge.db",
			RetentionMode:  "session",
			RetentionDays:  30,
			MaxSubmissions: 1000,
		},
		Relay: RelayConfig{
			WebhookSuffix:  "/webhook",
			SocketPath:     "/socket.io/",
			Transports:     []string{"websocket", "polling"},
			ConnectTimeout: 5000,
			DefaultMode:    "implement",
		},
		Voice: VoiceConfig{
			Enabled: true,
			Microphone: MicrophoneConfig{
				Mode:             "none",
				SampleRate:       44100,
				Channels:         1,
				SliceMS:          100,
				EchoCancellation: true,
				NoiseSuppression: true,
			},
			Recognizer: RecognizerConfig{
				Mode:     "none",
				Language: "en-US",
			},
		},
		Router: RouterConfig{
			Enabled: true,
			Subject: "relay.submit",
		},
		Presence: PresenceConfig{
			Enabled:           true,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	overrideString(&cfg.RuntimeName, "BRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "BRIDGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "BRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "BRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "BRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "BRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "BRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "BRIDGE_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "BRIDGE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "BRIDGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "BRIDGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "BRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "BRIDGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "BRIDGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "BRIDGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSubmissions, "BRIDGE_EVENT_STORE_MAX_SUBMISSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "BRIDGE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Relay.WebhookURL, "BRIDGE_RELAY_WEBHOOK_URL")
	overrideString(&cfg.Relay.WebhookSuffix, "BRIDGE_RELAY_WEBHOOK_SUFFIX")
	overrideString(&cfg.Relay.SocketPath, "BRIDGE_RELAY_SOCKET_PATH")
	overrideStringSlice(&cfg.Relay.Transports, "BRIDGE_RELAY_TRANSPORTS")
	overrideInt(&cfg.Relay.ConnectTimeout, "BRIDGE_RELAY_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Relay.DefaultMode, "BRIDGE_RELAY_DEFAULT_MODE")
	overrideBool(&cfg.Voice.Enabled, "BRIDGE_VOICE_ENABLED")
	overrideString(&cfg.Voice.Microphone.Mode, "BRIDGE_VOICE_MICROPHONE_MODE")
	overrideString(&cfg.Voice.Microphone.Command, "BRIDGE_VOICE_MICROPHONE_COMMAND")
	overrideInt(&cfg.Voice.Microphone.SampleRate, "BRIDGE_VOICE_MICROPHONE_SAMPLE_RATE")
	overrideInt(&cfg.Voice.Microphone.Channels, "BRIDGE_VOICE_MICROPHONE_CHANNELS")
	overrideInt(&cfg.Voice.Microphone.SliceMS, "BRIDGE_VOICE_MICROPHONE_SLICE_MS")
	overrideBool(&cfg.Voice.Microphone.EchoCancellation, "BRIDGE_VOICE_MICROPHONE_ECHO_CANCELLATION")
	overrideBool(&cfg.Voice.Microphone.NoiseSuppression, "BRIDGE_VOICE_MICROPHONE_NOISE_SUPPRESSION")
	overrideString(&cfg.Voice.Recognizer.Mode, "BRIDGE_VOICE_RECOGNIZER_MODE")
	overrideString(&cfg.Voice.Recognizer.Command, "BRIDGE_VOICE_RECOGNIZER_COMMAND")
	overrideString(&cfg.Voice.Recognizer.ModelPath, "BRIDGE_VOICE_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Voice.Recognizer.Language, "BRIDGE_VOICE_RECOGNIZER_LANGUAGE")
	// Later keys win, matching the web client's NEXT_PUBLIC_ first lookup.
	overrideString(&cfg.Credential.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.Credential.APIKey, "NEXT_PUBLIC_ELEVENLABS_API_KEY")
	overrideBool(&cfg.Router.Enabled, "BRIDGE_ROUTER_ENABLED")
	overrideString(&cfg.Router.Subject, "BRIDGE_ROUTER_SUBJECT")
	overrideBool(&cfg.Presence.Enabled, "BRIDGE_PRESENCE_ENABLED")
	overrideString(&cfg.Presence.ID, "BRIDGE_PRESENCE_ID")
	overrideInt(&cfg.Presence.HeartbeatInterval, "BRIDGE_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "BRIDGE_PRESENCE_HEARTBEAT_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if len(cfg.Relay.Transports) == 0 {
		return errors.New("relay.transports must not be empty")
	}
	for _, t := range cfg.Relay.Transports {
		switch t {
		case "websocket", "polling":
		default:
			return fmt.Errorf("relay.transports: unknown transport %q", t)
		}
	}
	if cfg.Relay.ConnectTimeout <= 0 {
		return errors.New("relay.connect_timeout_ms must be positive")
	}
	switch cfg.Relay.DefaultMode {
	case "implement", "kanban":
	default:
		return errors.New("relay.default_mode must be one of implement|kanban")
	}
	if cfg.Voice.Enabled {
		mic := cfg.Voice.Microphone
		switch mic.Mode {
		case "exec", "mock", "none":
		default:
			return errors.New("voice.microphone.mode must be one of exec|mock|none")
		}
		if mic.Mode == "exec" && mic.Command == "" {
			return errors.New("voice.microphone.command must be set when mode=exec")
		}
		if mic.SampleRate <= 0 {
			return errors.New("voice.microphone.sample_rate must be positive")
		}
		if mic.Channels <= 0 {
			return errors.New("voice.microphone.channels must be positive")
		}
		if mic.SliceMS <= 0 {
			return errors.New("voice.microphone.slice_ms must be positive")
		}
		rec := cfg.Voice.Recognizer
		switch rec.Mode {
		case "exec", "mock", "none":
		default:
			return errors.New("voice.recognizer.mode must be one of exec|mock|none")
		}
		if rec.Mode == "exec" && rec.Command == "" {
			return errors.New("voice.recognizer.command must be set when mode=exec")
		}
		if rec.Language == "" {
			return errors.New("voice.recognizer.language must not be empty")
		}
	}
	if cfg.Router.Enabled && cfg.Bus.Enabled && cfg.Router.Subject == "" {
		return errors.New("router.subject must not be empty when the router is enabled")
	}
	if cfg.Presence.Enabled && cfg.Bus.Enabled {
		if cfg.Presence.HeartbeatInterval <= 0 {
			return errors.New("presence.heartbeat_interval_ms must be positive")
		}
		if cfg.Presence.HeartbeatTimeout <= cfg.Presence.HeartbeatInterval {
			return errors.New("presence.heartbeat_timeout_ms must exceed the heartbeat interval")
		}
	}
	return nil
}
