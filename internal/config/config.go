package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Board       BoardConfig     `yaml:"board"`
	Speech      SpeechConfig    `yaml:"speech"`
	Clips       ClipsConfig     `yaml:"clips"`
	Sync        SyncConfig      `yaml:"sync"`
	Session     SessionConfig   `yaml:"session"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path                    string `yaml:"path"`
	Mode                    string `yaml:"mode"` // ephemeral, persistent
	VacuumOnStart           bool   `yaml:"vacuum_on_start"`
	SupersededRetentionDays int    `yaml:"superseded_retention_days"`
}

type BoardConfig struct {
	HomeBoardID      string `yaml:"home_board_id"`
	PlaceholderLabel string `yaml:"placeholder_label"`
}

type VoiceConfig struct {
	Voice string  `yaml:"voice"`
	Rate  float64 `yaml:"rate"`
	Pitch float64 `yaml:"pitch"`
}

type SpeechConfig struct {
	Mode               string      `yaml:"mode"` // mock, exec
	Command            string      `yaml:"command"`
	Voice              VoiceConfig `yaml:"voice"`
	SampleRate         int         `yaml:"sample_rate"`
	Channels           int         `yaml:"channels"`
	ChunkDurationMS    int         `yaml:"chunk_duration_ms"`
	UtteranceTimeoutMS int         `yaml:"utterance_timeout_ms"`
}

type ClipsConfig struct {
	Directory        string `yaml:"directory"`
	CompressionLevel int    `yaml:"compression_level"`
}

type SyncConfig struct {
	Enabled          bool    `yaml:"enabled"`
	DeviceID         string  `yaml:"device_id"`
	SymbolBucket     string  `yaml:"symbol_bucket"`
	BoardBucket      string  `yaml:"board_bucket"`
	IntervalMS       int     `yaml:"interval_ms"`
	PushTimeoutMS    int     `yaml:"push_timeout_ms"`
	PushesPerSecond  float64 `yaml:"pushes_per_second"`
	BreakerFailRatio float64 `yaml:"breaker_fail_ratio"`
	BreakerMinCalls  int     `yaml:"breaker_min_calls"`
	BreakerOpenMS    int     `yaml:"breaker_open_ms"`
}

type SessionConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "svarah-core",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			StdoutTraces:   false,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:                    "./data/svarah.db",
			Mode:                    "persistent",
			SupersededRetentionDays: 90,
		},
		Board: BoardConfig{
			HomeBoardID:      "home",
			PlaceholderLabel: "?",
		},
		Speech: SpeechConfig{
			Mode: "mock",
			Voice: VoiceConfig{
				Voice: "en-US",
				Rate:  1.0,
				Pitch: 1.0,
			},
			SampleRate:         22050,
			Channels:           1,
			ChunkDurationMS:    400,
			UtteranceTimeoutMS: 30000,
		},
		Clips: ClipsConfig{
			Directory:        "./data/clips",
			CompressionLevel: 3,
		},
		Sync: SyncConfig{
			Enabled:          true,
			DeviceID:         "",
			SymbolBucket:     "aac_symbols",
			BoardBucket:      "aac_boards",
			IntervalMS:       60000,
			PushTimeoutMS:    5000,
			PushesPerSecond:  20,
			BreakerFailRatio: 0.6,
			BreakerMinCalls:  5,
			BreakerOpenMS:    30000,
		},
		Session: SessionConfig{
			Enabled:          true,
			SubjectPrefix:    "aac",
			RequestTimeoutMS: 2000,
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
	overrideString(&cfg.RuntimeName, "SVARAH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SVARAH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SVARAH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SVARAH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SVARAH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SVARAH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SVARAH_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "SVARAH_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "SVARAH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SVARAH_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SVARAH_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SVARAH_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SVARAH_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SVARAH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SVARAH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SVARAH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SVARAH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SVARAH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SVARAH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SVARAH_STORE_PATH")
	overrideString(&cfg.Store.Mode, "SVARAH_STORE_MODE")
	overrideBool(&cfg.Store.VacuumOnStart, "SVARAH_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Store.SupersededRetentionDays, "SVARAH_STORE_SUPERSEDED_RETENTION_DAYS")
	overrideString(&cfg.Board.HomeBoardID, "SVARAH_BOARD_HOME_ID")
	overrideString(&cfg.Board.PlaceholderLabel, "SVARAH_BOARD_PLACEHOLDER_LABEL")
	overrideString(&cfg.Speech.Mode, "SVARAH_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "SVARAH_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Voice.Voice, "SVARAH_SPEECH_VOICE")
	overrideFloat(&cfg.Speech.Voice.Rate, "SVARAH_SPEECH_RATE")
	overrideFloat(&cfg.Speech.Voice.Pitch, "SVARAH_SPEECH_PITCH")
	overrideInt(&cfg.Speech.SampleRate, "SVARAH_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "SVARAH_SPEECH_CHANNELS")
	overrideInt(&cfg.Speech.ChunkDurationMS, "SVARAH_SPEECH_CHUNK_DURATION_MS")
	overrideInt(&cfg.Speech.UtteranceTimeoutMS, "SVARAH_SPEECH_UTTERANCE_TIMEOUT_MS")
	overrideString(&cfg.Clips.Directory, "SVARAH_CLIPS_DIRECTORY")
	overrideInt(&cfg.Clips.CompressionLevel, "SVARAH_CLIPS_COMPRESSION_LEVEL")
	overrideBool(&cfg.Sync.Enabled, "SVARAH_SYNC_ENABLED")
	overrideString(&cfg.Sync.DeviceID, "SVARAH_SYNC_DEVICE_ID")
	overrideString(&cfg.Sync.SymbolBucket, "SVARAH_SYNC_SYMBOL_BUCKET")
	overrideString(&cfg.Sync.BoardBucket, "SVARAH_SYNC_BOARD_BUCKET")
	overrideInt(&cfg.Sync.IntervalMS, "SVARAH_SYNC_INTERVAL_MS")
	overrideInt(&cfg.Sync.PushTimeoutMS, "SVARAH_SYNC_PUSH_TIMEOUT_MS")
	overrideFloat(&cfg.Sync.PushesPerSecond, "SVARAH_SYNC_PUSHES_PER_SECOND")
	overrideFloat(&cfg.Sync.BreakerFailRatio, "SVARAH_SYNC_BREAKER_FAIL_RATIO")
	overrideInt(&cfg.Sync.BreakerMinCalls, "SVARAH_SYNC_BREAKER_MIN_CALLS")
	overrideInt(&cfg.Sync.BreakerOpenMS, "SVARAH_SYNC_BREAKER_OPEN_MS")
	overrideBool(&cfg.Session.Enabled, "SVARAH_SESSION_ENABLED")
	overrideString(&cfg.Session.SubjectPrefix, "SVARAH_SESSION_SUBJECT_PREFIX")
	overrideInt(&cfg.Session.RequestTimeoutMS, "SVARAH_SESSION_REQUEST_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		// -1 lets the embedded server pick a free port.
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Store.Mode {
	case "ephemeral":
	case "persistent":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when mode=persistent")
		}
	default:
		return errors.New("store.mode must be one of ephemeral|persistent")
	}
	if cfg.Store.SupersededRetentionDays < 0 {
		return errors.New("store.superseded_retention_days must be >= 0")
	}
	if cfg.Board.HomeBoardID == "" {
		return errors.New("board.home_board_id must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Speech.Mode {
	case "mock", "exec":
	default:
		return errors.New("speech.mode must be one of mock|exec")
	}
	if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when mode=exec")
	}
	if cfg.Speech.SampleRate <= 0 {
		return errors.New("speech.sample_rate must be positive")
	}
	if cfg.Speech.Channels <= 0 {
		return errors.New("speech.channels must be positive")
	}
	if cfg.Speech.Voice.Rate <= 0 {
		return errors.New("speech.voice.rate must be positive")
	}
	if cfg.Speech.UtteranceTimeoutMS <= 0 {
		return errors.New("speech.utterance_timeout_ms must be positive")
	}
	if cfg.Clips.Directory == "" {
		return errors.New("clips.directory must not be empty")
	}
	if cfg.Clips.CompressionLevel < 1 || cfg.Clips.CompressionLevel > 4 {
		return errors.New("clips.compression_level must be between 1 and 4")
	}
	if cfg.Sync.Enabled {
		if cfg.Sync.SymbolBucket == "" || cfg.Sync.BoardBucket == "" {
			return errors.New("sync.symbol_bucket and sync.board_bucket must not be empty")
		}
		if cfg.Sync.IntervalMS <= 0 {
			return errors.New("sync.interval_ms must be positive")
		}
		if cfg.Sync.PushTimeoutMS <= 0 {
			return errors.New("sync.push_timeout_ms must be positive")
		}
		if cfg.Sync.PushesPerSecond <= 0 {
			return errors.New("sync.pushes_per_second must be positive")
		}
		if cfg.Sync.BreakerFailRatio <= 0 || cfg.Sync.BreakerFailRatio > 1 {
			return errors.New("sync.breaker_fail_ratio must be in (0, 1]")
		}
	}
	if cfg.Session.Enabled {
		if cfg.Session.SubjectPrefix == "" {
			return errors.New("session.subject_prefix must not be empty when session is enabled")
		}
		if cfg.Session.RequestTimeoutMS <= 0 {
			return errors.New("session.request_timeout_ms must be positive")
		}
	}
	return nil
}
