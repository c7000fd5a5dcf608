// internal/appconfig/appconfig.go
// Package appconfig describes the application configuration and resolves
// the effective value of every setting.
package appconfig

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultConfigPath is the config file read when --config is not given.
	DefaultConfigPath = "config/config.yaml"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	IndexBackendFile   = "file"
	IndexBackendChroma = "chroma"

	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"

	defaultRequestTimeout = 120 * time.Second
	defaultRetryCount     = 3
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"

	defaultOpenAIChatModel  = "gpt-4o-mini"
	defaultOpenAIEmbedModel = "text-embedding-3-small"
	defaultGeminiChatModel  = "gemini-2.5-flash"
	defaultGeminiEmbedModel = "text-embedding-004"

	defaultDataDir          = "data"
	defaultDataset          = "sample_imaging.jsonl"
	defaultIndexFile        = "index.jsonl"
	defaultChromaCollection = "imagingrag"
	defaultChunkSize        = 800
	defaultChunkOverlap     = 120
	defaultEmbedBatchSize   = 64
	defaultEmbedConcurrency = 4
	defaultTopK             = 4
	defaultMaxTopK          = 10
	defaultHistoryTurns     = 6

	defaultMaxSessions = 1000
	defaultMaxTurns    = 50
	defaultSessionTTL  = time.Hour

	defaultServerAddr    = ":8000"
	defaultMaxImageBytes = 10 << 20
)

// Config represents the top-level application configuration.
type Config struct {
	Provider         string        `json:"provider" yaml:"provider" mapstructure:"provider"`
	APIKey           string        `json:"apiKey,omitempty" yaml:"apiKey,omitempty" mapstructure:"apiKey"`
	BaseURL          string        `json:"baseURL,omitempty" yaml:"baseURL,omitempty" mapstructure:"baseURL"`
	ChatModel        string        `json:"chatModel,omitempty" yaml:"chatModel,omitempty" mapstructure:"chatModel"`
	EmbedModel       string        `json:"embedModel,omitempty" yaml:"embedModel,omitempty" mapstructure:"embedModel"`
	VisionModel      string        `json:"visionModel,omitempty" yaml:"visionModel,omitempty" mapstructure:"visionModel"`
	TimeoutSeconds   int           `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	RetryCount       int           `json:"retryCount,omitempty" yaml:"retryCount,omitempty" mapstructure:"retryCount"`
	EmbedConcurrency int           `json:"embedConcurrency,omitempty" yaml:"embedConcurrency,omitempty" mapstructure:"embedConcurrency"`
	LogFile          string        `json:"logFile,omitempty" yaml:"logFile,omitempty" mapstructure:"logFile"`
	Debug            bool          `json:"debug" yaml:"debug" mapstructure:"debug"`
	RAG              RAGConfig     `json:"rag" yaml:"rag" mapstructure:"rag"`
	Session          SessionConfig `json:"session" yaml:"session" mapstructure:"session"`
	Server           ServerConfig  `json:"server" yaml:"server" mapstructure:"server"`
	Vision           VisionConfig  `json:"vision" yaml:"vision" mapstructure:"vision"`
	ConfigPath       string        `json:"-" yaml:"-" mapstructure:"-"`
}

// RAGConfig holds the retrieval pipeline settings.
type RAGConfig struct {
	DataDir          string `json:"dataDir,omitempty" yaml:"dataDir,omitempty" mapstructure:"dataDir"`
	DefaultDataset   string `json:"defaultDataset,omitempty" yaml:"defaultDataset,omitempty" mapstructure:"defaultDataset"`
	IndexPath        string `json:"indexPath,omitempty" yaml:"indexPath,omitempty" mapstructure:"indexPath"`
	Backend          string `json:"backend,omitempty" yaml:"backend,omitempty" mapstructure:"backend"`
	ChromaURL        string `json:"chromaURL,omitempty" yaml:"chromaURL,omitempty" mapstructure:"chromaURL"`
	ChromaCollection string `json:"chromaCollection,omitempty" yaml:"chromaCollection,omitempty" mapstructure:"chromaCollection"`
	ChunkSize        int    `json:"chunkSize,omitempty" yaml:"chunkSize,omitempty" mapstructure:"chunkSize"`
	ChunkOverlap     int    `json:"chunkOverlap,omitempty" yaml:"chunkOverlap,omitempty" mapstructure:"chunkOverlap"`
	EmbedBatchSize   int    `json:"embedBatchSize,omitempty" yaml:"embedBatchSize,omitempty" mapstructure:"embedBatchSize"`
	TopK             int    `json:"topK,omitempty" yaml:"topK,omitempty" mapstructure:"topK"`
	MaxTopK          int    `json:"maxTopK,omitempty" yaml:"maxTopK,omitempty" mapstructure:"maxTopK"`
	HistoryTurns     int    `json:"historyTurns,omitempty" yaml:"historyTurns,omitempty" mapstructure:"historyTurns"`
}

// SessionConfig bounds conversation history storage.
type SessionConfig struct {
	Backend       string `json:"backend,omitempty" yaml:"backend,omitempty" mapstructure:"backend"`
	RedisAddr     string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty" mapstructure:"redisAddr"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty" mapstructure:"redisPassword"`
	RedisDB       int    `json:"redisDB,omitempty" yaml:"redisDB,omitempty" mapstructure:"redisDB"`
	MaxSessions   int    `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty" mapstructure:"maxSessions"`
	MaxTurns      int    `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty" mapstructure:"maxTurns"`
	TTLSeconds    int    `json:"ttl,omitempty" yaml:"ttl,omitempty" mapstructure:"ttl"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" mapstructure:"addr"`
}

// VisionConfig configures image classification.
type VisionConfig struct {
	MaxImageBytes int64 `json:"maxImageBytes,omitempty" yaml:"maxImageBytes,omitempty" mapstructure:"maxImageBytes"`
}

// Defaults returns the flat viper keys and their default values.
func Defaults() map[string]any {
	return map[string]any{
		"provider":             ProviderOpenAI,
		"timeout":              int(defaultRequestTimeout.Seconds()),
		"retryCount":           defaultRetryCount,
		"embedConcurrency":     defaultEmbedConcurrency,
		"logFile":              "",
		"debug":                false,
		"rag.dataDir":          defaultDataDir,
		"rag.defaultDataset":   defaultDataset,
		"rag.backend":          IndexBackendFile,
		"rag.chromaCollection": defaultChromaCollection,
		"rag.chunkSize":        defaultChunkSize,
		"rag.chunkOverlap":     defaultChunkOverlap,
		"rag.embedBatchSize":   defaultEmbedBatchSize,
		"rag.topK":             defaultTopK,
		"rag.maxTopK":          defaultMaxTopK,
		"rag.historyTurns":     defaultHistoryTurns,
		"session.backend":      SessionBackendMemory,
		"session.maxSessions":  defaultMaxSessions,
		"session.maxTurns":     defaultMaxTurns,
		"session.ttl":          int(defaultSessionTTL.Seconds()),
		"server.addr":          defaultServerAddr,
		"vision.maxImageBytes": defaultMaxImageBytes,
	}
}

// ProviderName returns the normalized provider, defaulting to OpenAI.
func (c Config) ProviderName() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return ProviderOpenAI
	}
	return p
}

// BaseURLOrDefault returns the OpenAI-compatible endpoint root.
func (c Config) BaseURLOrDefault() string {
	if u := strings.TrimSpace(c.BaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	if c.ProviderName() == ProviderOpenAI {
		return defaultOpenAIBaseURL
	}
	return ""
}

// ChatModelName returns the model used for grounded answers.
func (c Config) ChatModelName() string {
	if m := strings.TrimSpace(c.ChatModel); m != "" {
		return m
	}
	if c.ProviderName() == ProviderGemini {
		return defaultGeminiChatModel
	}
	return defaultOpenAIChatModel
}

// EmbedModelName returns the embedding model.
func (c Config) EmbedModelName() string {
	if m := strings.TrimSpace(c.EmbedModel); m != "" {
		return m
	}
	if c.ProviderName() == ProviderGemini {
		return defaultGeminiEmbedModel
	}
	return defaultOpenAIEmbedModel
}

// VisionModelName returns the multimodal model, falling back to the chat model.
func (c Config) VisionModelName() string {
	if m := strings.TrimSpace(c.VisionModel); m != "" {
		return m
	}
	return c.ChatModelName()
}

// RequestTimeout returns the timeout for a single remote call.
func (c Config) RequestTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultRequestTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryAttempts is the number of retries after a transient failure.
func (c Config) RetryAttempts() int {
	if c.RetryCount < 0 {
		return 0
	}
	if c.RetryCount == 0 {
		return defaultRetryCount
	}
	return c.RetryCount
}

// EmbedWorkers is how many embedding batches may be in flight at once.
func (c Config) EmbedWorkers() int {
	if c.EmbedConcurrency <= 0 {
		return defaultEmbedConcurrency
	}
	return c.EmbedConcurrency
}

// LogFilePath returns the log file path; empty means stdout only.
func (c Config) LogFilePath() string {
	return strings.TrimSpace(c.LogFile)
}

// DataDirectory returns the directory datasets are resolved against.
func (c Config) DataDirectory() string {
	if d := strings.TrimSpace(c.RAG.DataDir); d != "" {
		return d
	}
	return defaultDataDir
}

// DefaultDatasetPath returns the dataset used for ingest requests without a
// name and for building an empty index on first use.
func (c Config) DefaultDatasetPath() string {
	name := strings.TrimSpace(c.RAG.DefaultDataset)
	if name == "" {
		name = defaultDataset
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDirectory(), name)
}

// IndexFilePath returns where the file backend persists the index.
func (c Config) IndexFilePath() string {
	if p := strings.TrimSpace(c.RAG.IndexPath); p != "" {
		return p
	}
	return filepath.Join(c.DataDirectory(), defaultIndexFile)
}

// IndexBackend returns the normalized index store backend.
func (c Config) IndexBackend() string {
	b := strings.ToLower(strings.TrimSpace(c.RAG.Backend))
	if b == "" {
		return IndexBackendFile
	}
	return b
}

// ChromaCollectionName returns the collection used by the chroma backend.
func (c Config) ChromaCollectionName() string {
	if n := strings.TrimSpace(c.RAG.ChromaCollection); n != "" {
		return n
	}
	return defaultChromaCollection
}

func (c Config) ChunkSize() int {
	if c.RAG.ChunkSize <= 0 {
		return defaultChunkSize
	}
	return c.RAG.ChunkSize
}

func (c Config) ChunkOverlap() int {
	if c.RAG.ChunkOverlap < 0 {
		return 0
	}
	if c.RAG.ChunkOverlap == 0 {
		return defaultChunkOverlap
	}
	return c.RAG.ChunkOverlap
}

func (c Config) EmbedBatchSize() int {
	if c.RAG.EmbedBatchSize <= 0 {
		return defaultEmbedBatchSize
	}
	return c.RAG.EmbedBatchSize
}

// TopK returns the default number of retrieved snippets.
func (c Config) TopK() int {
	if c.RAG.TopK <= 0 {
		return defaultTopK
	}
	return min(c.RAG.TopK, c.MaxTopK())
}

// MaxTopK returns the largest k a client may request.
func (c Config) MaxTopK() int {
	if c.RAG.MaxTopK <= 0 {
		return defaultMaxTopK
	}
	return c.RAG.MaxTopK
}

// HistoryTurns returns how many prior turns are replayed into the prompt.
func (c Config) HistoryTurns() int {
	if c.RAG.HistoryTurns < 0 {
		return 0
	}
	if c.RAG.HistoryTurns == 0 {
		return defaultHistoryTurns
	}
	return c.RAG.HistoryTurns
}

// SessionBackend returns the normalized session store backend.
func (c Config) SessionBackend() string {
	b := strings.ToLower(strings.TrimSpace(c.Session.Backend))
	if b == "" {
		return SessionBackendMemory
	}
	return b
}

func (c Config) MaxSessions() int {
	if c.Session.MaxSessions <= 0 {
		return defaultMaxSessions
	}
	return c.Session.MaxSessions
}

func (c Config) MaxTurns() int {
	if c.Session.MaxTurns <= 0 {
		return defaultMaxTurns
	}
	return c.Session.MaxTurns
}

// SessionTTL returns how long an idle session is kept.
func (c Config) SessionTTL() time.Duration {
	if c.Session.TTLSeconds <= 0 {
		return defaultSessionTTL
	}
	return time.Duration(c.Session.TTLSeconds) * time.Second
}

// ServerAddr returns the listen address of the HTTP API.
func (c Config) ServerAddr() string {
	if a := strings.TrimSpace(c.Server.Addr); a != "" {
		return a
	}
	return defaultServerAddr
}

// MaxImageBytes caps the size of a single uploaded image.
func (c Config) MaxImageBytes() int64 {
	if c.Vision.MaxImageBytes <= 0 {
		return defaultMaxImageBytes
	}
	return c.Vision.MaxImageBytes
}

// ErrMissingAPIKey is returned by RequireAPIKey when no key is configured.
var ErrMissingAPIKey = errors.New("no API key configured: set OPENAI_API_KEY (or GEMINI_API_KEY for the gemini provider)")

// RequireAPIKey reports ErrMissingAPIKey when remote calls cannot be made.
func (c Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Validate checks enumerated settings and value ranges.
func (c Config) Validate() error {
	var errs []error
	switch c.ProviderName() {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("provider %q is not supported (want %s or %s)", c.Provider, ProviderOpenAI, ProviderGemini))
	}
	switch c.IndexBackend() {
	case IndexBackendFile, IndexBackendChroma:
	default:
		errs = append(errs, fmt.Errorf("rag.backend %q is not supported (want %s or %s)", c.RAG.Backend, IndexBackendFile, IndexBackendChroma))
	}
	switch c.SessionBackend() {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if strings.TrimSpace(c.Session.RedisAddr) == "" {
			errs = append(errs, errors.New("session.redisAddr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.backend %q is not supported (want %s or %s)", c.Session.Backend, SessionBackendMemory, SessionBackendRedis))
	}
	if c.ChunkOverlap() >= c.ChunkSize() {
		errs = append(errs, fmt.Errorf("rag.chunkOverlap (%d) must be smaller than rag.chunkSize (%d)", c.ChunkOverlap(), c.ChunkSize()))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	if out.APIKey != "" {
		out.APIKey = "[REDACTED]"
	}
	if out.Session.RedisPassword != "" {
		out.Session.RedisPassword = "[REDACTED]"
	}
	return out
}
