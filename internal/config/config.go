package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Persona   PersonaConfig
	Memory    MemoryConfig
	Context   ContextConfig
	Handoff   HandoffConfig
	Stream    StreamConfig
	Store     StoreConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	personaCfg, err := loadPersonaConfig()
	if err != nil {
		return nil, err
	}

	memoryCfg, err := loadMemoryConfig()
	if err != nil {
		return nil, err
	}

	contextCfg, err := loadContextConfig()
	if err != nil {
		return nil, err
	}

	handoffCfg, err := loadHandoffConfig()
	if err != nil {
		return nil, err
	}

	streamCfg, err := loadStreamConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	telemetryCfg, err := loadTelemetryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Persona:   personaCfg,
		Memory:    memoryCfg,
		Context:   contextCfg,
		Handoff:   handoffCfg,
		Stream:    streamCfg,
		Store:     store,
		Log:       logCfg,
		Telemetry: telemetryCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// AllowedOrigins 为空时不输出CORS头，"*" 放行所有来源。
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	origins := splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins, ShutdownTimeout: shutdown}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。persona 的 model_id 与温度在每次调用时覆盖这里的默认值。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}
	if maxTokens != nil && *maxTokens < 0 {
		return AIConfig{}, fmt.Errorf("invalid ARK_MAX_TOKENS value %d: must not be negative", *maxTokens)
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// PersonaConfig 描述persona目录来源。
type PersonaConfig struct {
	// Source 取值 seed / file / sqlite
	Source    string
	File      string
	DSN       string
	DefaultID string
	// Watch 仅对 file 来源生效
	Watch bool
}

func loadPersonaConfig() (PersonaConfig, error) {
	source := strings.ToLower(getEnvOrDefault("PERSONA_SOURCE", "seed"))
	watch, err := parseBoolEnv("PERSONA_WATCH", false)
	if err != nil {
		return PersonaConfig{}, err
	}

	cfg := PersonaConfig{
		Source:    source,
		File:      getEnvOrDefault("PERSONA_FILE", "personas.yaml"),
		DSN:       strings.TrimSpace(os.Getenv("PERSONA_DSN")),
		DefaultID: getEnvOrDefault("PERSONA_DEFAULT_ID", "advisor"),
		Watch:     watch,
	}

	switch source {
	case "seed", "file":
	case "sqlite":
		if cfg.DSN == "" {
			return PersonaConfig{}, fmt.Errorf("PERSONA_DSN is required when PERSONA_SOURCE=sqlite")
		}
	default:
		return PersonaConfig{}, fmt.Errorf("invalid PERSONA_SOURCE value %q", source)
	}
	return cfg, nil
}

// MemoryConfig 描述长期记忆后端与异步写队列。
type MemoryConfig struct {
	// Backend 取值 none / episodic / graph
	Backend string
	// Mode 取值 direct / cache_first
	Mode          string
	IndexPath     string
	SearchLimit   int
	GraphURL      string
	GraphAPIKey   string
	SearchTimeout time.Duration
	CacheSize     int
	CacheTTL      time.Duration

	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
	DropPolicy   string
}

func loadMemoryConfig() (MemoryConfig, error) {
	searchTimeout, err := parseDurationEnv("MEMORY_SEARCH_TIMEOUT", 2*time.Second)
	if err != nil {
		return MemoryConfig{}, err
	}
	writeTimeout, err := parseDurationEnv("MEMORY_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return MemoryConfig{}, err
	}
	cacheTTL, err := parseDurationEnv("MEMORY_CACHE_TTL", time.Minute)
	if err != nil {
		return MemoryConfig{}, err
	}
	cacheSize, err := parseIntEnvOrDefault("MEMORY_CACHE_SIZE", 256, 1)
	if err != nil {
		return MemoryConfig{}, err
	}
	searchLimit, err := parseIntEnvOrDefault("MEMORY_SEARCH_LIMIT", 5, 1)
	if err != nil {
		return MemoryConfig{}, err
	}
	queueSize, err := parseIntEnvOrDefault("MEMORY_QUEUE_SIZE", 128, 1)
	if err != nil {
		return MemoryConfig{}, err
	}
	workers, err := parseIntEnvOrDefault("MEMORY_WORKERS", 2, 1)
	if err != nil {
		return MemoryConfig{}, err
	}

	cfg := MemoryConfig{
		Backend:       strings.ToLower(getEnvOrDefault("MEMORY_BACKEND", "episodic")),
		Mode:          strings.ToLower(getEnvOrDefault("MEMORY_MODE", "direct")),
		IndexPath:     strings.TrimSpace(os.Getenv("MEMORY_INDEX_PATH")),
		SearchLimit:   searchLimit,
		GraphURL:      strings.TrimSpace(os.Getenv("MEMORY_GRAPH_URL")),
		GraphAPIKey:   strings.TrimSpace(os.Getenv("MEMORY_GRAPH_API_KEY")),
		SearchTimeout: searchTimeout,
		CacheSize:     cacheSize,
		CacheTTL:      cacheTTL,
		QueueSize:     queueSize,
		Workers:       workers,
		WriteTimeout:  writeTimeout,
		DropPolicy:    strings.ToLower(getEnvOrDefault("MEMORY_DROP_POLICY", "drop_oldest")),
	}

	switch cfg.Backend {
	case "none", "episodic":
	case "graph":
		if cfg.GraphURL == "" {
			return MemoryConfig{}, fmt.Errorf("MEMORY_GRAPH_URL is required when MEMORY_BACKEND=graph")
		}
	default:
		return MemoryConfig{}, fmt.Errorf("invalid MEMORY_BACKEND value %q", cfg.Backend)
	}
	if cfg.Mode != "direct" && cfg.Mode != "cache_first" {
		return MemoryConfig{}, fmt.Errorf("invalid MEMORY_MODE value %q", cfg.Mode)
	}
	if cfg.DropPolicy != "drop_oldest" && cfg.DropPolicy != "drop_newest" {
		return MemoryConfig{}, fmt.Errorf("invalid MEMORY_DROP_POLICY value %q", cfg.DropPolicy)
	}
	return cfg, nil
}

// ContextConfig 描述上下文预算。
type ContextConfig struct {
	MaxTokens      int
	ReservedTokens int
	HistoryWindow  int
	IncludeRoster  bool
}

func loadContextConfig() (ContextConfig, error) {
	maxTokens, err := parseIntEnvOrDefault("CONTEXT_MAX_TOKENS", 8192, 1)
	if err != nil {
		return ContextConfig{}, err
	}
	reserved, err := parseIntEnvOrDefault("CONTEXT_RESERVED_TOKENS", 1024, 0)
	if err != nil {
		return ContextConfig{}, err
	}
	window, err := parseIntEnvOrDefault("CONTEXT_HISTORY_WINDOW", 20, 0)
	if err != nil {
		return ContextConfig{}, err
	}
	roster, err := parseBoolEnv("CONTEXT_INCLUDE_ROSTER", true)
	if err != nil {
		return ContextConfig{}, err
	}
	if reserved >= maxTokens {
		return ContextConfig{}, fmt.Errorf("CONTEXT_RESERVED_TOKENS (%d) must be below CONTEXT_MAX_TOKENS (%d)", reserved, maxTokens)
	}
	return ContextConfig{
		MaxTokens:      maxTokens,
		ReservedTokens: reserved,
		HistoryWindow:  window,
		IncludeRoster:  roster,
	}, nil
}

// HandoffConfig 描述handoff兜底分类器。
type HandoffConfig struct {
	Fallback bool
	// ClassifierModel 为空时使用 AI 默认模型
	ClassifierModel string
	Timeout         time.Duration
	MaxTokens       int
}

func loadHandoffConfig() (HandoffConfig, error) {
	fallback, err := parseBoolEnv("HANDOFF_FALLBACK", true)
	if err != nil {
		return HandoffConfig{}, err
	}
	timeout, err := parseDurationEnv("HANDOFF_TIMEOUT", 3*time.Second)
	if err != nil {
		return HandoffConfig{}, err
	}
	maxTokens, err := parseIntEnvOrDefault("HANDOFF_MAX_TOKENS", 16, 1)
	if err != nil {
		return HandoffConfig{}, err
	}
	return HandoffConfig{
		Fallback:        fallback,
		ClassifierModel: strings.TrimSpace(os.Getenv("HANDOFF_CLASSIFIER_MODEL")),
		Timeout:         timeout,
		MaxTokens:       maxTokens,
	}, nil
}

// StreamConfig 描述推理流超时。
type StreamConfig struct {
	StartTimeout time.Duration
	IdleTimeout  time.Duration
}

func loadStreamConfig() (StreamConfig, error) {
	start, err := parseDurationEnv("STREAM_START_TIMEOUT", 15*time.Second)
	if err != nil {
		return StreamConfig{}, err
	}
	idle, err := parseDurationEnv("STREAM_IDLE_TIMEOUT", 30*time.Second)
	if err != nil {
		return StreamConfig{}, err
	}
	return StreamConfig{StartTimeout: start, IdleTimeout: idle}, nil
}

// StoreConfig 描述会话存储。
type StoreConfig struct {
	// Driver 取值 memory / sqlite
	Driver string
	DSN    string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", "memory"))
	switch driver {
	case "memory", "sqlite":
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q", driver)
	}
	return StoreConfig{
		Driver: driver,
		DSN:    getEnvOrDefault("STORE_DSN", "file:relay.db?_pragma=busy_timeout(5000)"),
	}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level       string
	Development bool
}

func loadLogConfig() (LogConfig, error) {
	dev, err := parseBoolEnv("LOG_DEVELOPMENT", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{Level: getEnvOrDefault("LOG_LEVEL", "info"), Development: dev}, nil
}

// TelemetryConfig 描述OpenTelemetry导出。
type TelemetryConfig struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
}

func loadTelemetryConfig() (TelemetryConfig, error) {
	enabled, err := parseBoolEnv("OTEL_ENABLED", false)
	if err != nil {
		return TelemetryConfig{}, err
	}
	exporter := strings.ToLower(getEnvOrDefault("OTEL_EXPORTER", "otlp-http"))
	switch exporter {
	case "otlp-http", "stdout", "none":
	default:
		return TelemetryConfig{}, fmt.Errorf("invalid OTEL_EXPORTER value %q", exporter)
	}
	return TelemetryConfig{
		Enabled:     enabled,
		Exporter:    exporter,
		Endpoint:    getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		ServiceName: getEnvOrDefault("OTEL_SERVICE_NAME", "persona-relay"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseIntEnvOrDefault 读取整数并校验下限。
func parseIntEnvOrDefault(key string, defaultValue, minValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < minValue {
		return 0, fmt.Errorf("invalid %s value %d: must be at least %d", key, *val, minValue)
	}
	return *val, nil
}

// parseDurationEnv 接受 Go duration 字符串（"1500ms"、"2s"），纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}
