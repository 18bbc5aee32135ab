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
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	MetricsPath   string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	CORSOrigin     string `yaml:"cors_origin"`
	MaxUploadMB    int    `yaml:"max_upload_mb"`
	PollIntervalMS int    `yaml:"stream_poll_interval_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Session     SessionConfig    `yaml:"session"`
	Narration   NarrationConfig  `yaml:"narration"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
}

// NodeConfig identifies this process to other narrators on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SessionConfig struct {
	StorageDir     string `yaml:"storage_dir"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	ReapIntervalMS int    `yaml:"reap_interval_ms"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	PurgeOnStart   bool   `yaml:"purge_on_start"`
}

type NarrationConfig struct {
	UserName            string `yaml:"user_name"`
	SystemPrompt        string `yaml:"system_prompt"`
	FlushRunes          int    `yaml:"flush_runes"`
	FlushPendingOnClose bool   `yaml:"flush_pending_on_close"`
	GenerationTimeoutMS int    `yaml:"generation_timeout_ms"`
}

type STTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	MockText  string `yaml:"mock_text"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode            string        `yaml:"mode"` // mock, voicevox, edge, tencent, exec
	Endpoint        string        `yaml:"endpoint"`
	Speaker         int           `yaml:"speaker"`
	Voice           string        `yaml:"voice"`
	Command         string        `yaml:"command"`
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	QueryTimeoutMS  int           `yaml:"query_timeout_ms"`
	RenderTimeoutMS int           `yaml:"render_timeout_ms"`
	Preset          VoicePreset   `yaml:"preset"`
	Tencent         TencentConfig `yaml:"tencent"`
}

// VoicePreset is overlaid on the synthesis query before rendering.
type VoicePreset struct {
	OutputSamplingRate int     `yaml:"output_sampling_rate"`
	OutputStereo       bool    `yaml:"output_stereo"`
	SpeedScale         float64 `yaml:"speed_scale"`
	VolumeScale        float64 `yaml:"volume_scale"`
	IntonationScale    float64 `yaml:"intonation_scale"`
}

type TencentConfig struct {
	SecretID  string `yaml:"secret_id"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	VoiceType int64  `yaml:"voice_type"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           6969,
			CORSOrigin:     "*",
			MaxUploadMB:    32,
			PollIntervalMS: 250,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			LogMaxSizeMB:  64,
			LogMaxBackups: 3,
			LogMaxAgeDays: 7,
			OTLPInsecure:  true,
			MetricsPath:   "/metrics",
		},
		Node: NodeConfig{
			ID:                "narrator-local",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Host:           "127.0.0.1",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			StorageDir:     "./data/sessions",
			IdleTimeoutMS:  600000,
			ReapIntervalMS: 30000,
			MaxConcurrent:  4,
			PurgeOnStart:   true,
		},
		Narration: NarrationConfig{
			UserName:            "friend",
			FlushRunes:          15,
			GenerationTimeoutMS: 300000,
		},
		STT: STTConfig{
			Enabled:   false,
			Mode:      "mock",
			Command:   "./whisper/whisper-cli",
			ModelPath: "./whisper-models/ggml-tiny.bin",
			Language:  "English",
			Threads:   8,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Endpoint:        "http://localhost:50021",
			Speaker:         20,
			Voice:           "ja-JP-NanamiNeural",
			SampleRate:      24000,
			Channels:        1,
			QueryTimeoutMS:  10000,
			RenderTimeoutMS: 30000,
			Preset: VoicePreset{
				OutputSamplingRate: 48000,
				OutputStereo:       true,
				SpeedScale:         1.0,
				VolumeScale:        1.0,
				IntonationScale:    1.25,
			},
			Tencent: TencentConfig{
				Region:    "ap-guangzhou",
				VoiceType: 1001,
			},
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
	overrideString(&cfg.HTTP.CORSOrigin, "LOQA_HTTP_CORS_ORIGIN")
	overrideInt(&cfg.HTTP.MaxUploadMB, "LOQA_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.LogFile, "LOQA_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Session.StorageDir, "LOQA_SESSION_STORAGE_DIR")
	overrideInt(&cfg.Session.IdleTimeoutMS, "LOQA_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.ReapIntervalMS, "LOQA_SESSION_REAP_INTERVAL_MS")
	overrideInt(&cfg.Session.MaxConcurrent, "LOQA_SESSION_MAX_CONCURRENT")
	overrideBool(&cfg.Session.PurgeOnStart, "LOQA_SESSION_PURGE_ON_START")
	overrideString(&cfg.Narration.UserName, "LOQA_NARRATION_USER_NAME")
	overrideString(&cfg.Narration.SystemPrompt, "LOQA_NARRATION_SYSTEM_PROMPT")
	overrideInt(&cfg.Narration.FlushRunes, "LOQA_NARRATION_FLUSH_RUNES")
	overrideBool(&cfg.Narration.FlushPendingOnClose, "LOQA_NARRATION_FLUSH_PENDING_ON_CLOSE")
	overrideInt(&cfg.Narration.GenerationTimeoutMS, "LOQA_NARRATION_GENERATION_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideInt(&cfg.TTS.Speaker, "LOQA_TTS_SPEAKER")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideInt(&cfg.TTS.QueryTimeoutMS, "LOQA_TTS_QUERY_TIMEOUT_MS")
	overrideInt(&cfg.TTS.RenderTimeoutMS, "LOQA_TTS_RENDER_TIMEOUT_MS")
	overrideString(&cfg.TTS.Tencent.SecretID, "LOQA_TTS_TENCENT_SECRET_ID")
	overrideString(&cfg.TTS.Tencent.SecretKey, "LOQA_TTS_TENCENT_SECRET_KEY")
	overrideString(&cfg.TTS.Tencent.Region, "LOQA_TTS_TENCENT_REGION")
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
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Telemetry.MetricsPath == "" || !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=session")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session")
	}
	if cfg.Session.StorageDir == "" {
		return errors.New("session.storage_dir must not be empty")
	}
	if cfg.Session.MaxConcurrent <= 0 {
		return errors.New("session.max_concurrent must be >= 1")
	}
	if cfg.Session.IdleTimeoutMS < 0 {
		return errors.New("session.idle_timeout_ms must be >= 0")
	}
	if cfg.Session.IdleTimeoutMS > 0 && cfg.Session.ReapIntervalMS <= 0 {
		return errors.New("session.reap_interval_ms must be positive when idle timeout is set")
	}
	if cfg.Narration.FlushRunes <= 0 {
		return errors.New("narration.flush_runes must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock":
		case "exec":
			if cfg.STT.Command == "" {
				return errors.New("stt.command must be set when mode=exec")
			}
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama", "openai":
		if cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "edge":
	case "voicevox":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=voicevox")
		}
		if cfg.TTS.QueryTimeoutMS <= 0 {
			return errors.New("tts.query_timeout_ms must be positive")
		}
	case "tencent":
		if cfg.TTS.Tencent.SecretID == "" || cfg.TTS.Tencent.SecretKey == "" {
			return errors.New("tts.tencent.secret_id and secret_key must be set when mode=tencent")
		}
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|voicevox|edge|tencent|exec")
	}
	if cfg.TTS.Mode != "mock" && cfg.TTS.RenderTimeoutMS <= 0 {
		return errors.New("tts.render_timeout_ms must be positive")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	return nil
}
