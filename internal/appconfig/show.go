package appconfig

import (
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"
)

// ShowConfig prints the effective configuration as YAML with secrets masked.
func ShowConfig(out io.Writer, file string, cfg Config) error {
	if file == "" {
		fmt.Fprintln(out, "No config file loaded (using defaults).")
	} else {
		fmt.Fprintf(out, "Config file: %s\n", file)
	}
	fmt.Fprintln(out)

	data, err := yaml.Marshal(Effective(cfg).Redacted())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// Effective fills every unset setting with the value the application will
// actually use.
func Effective(cfg Config) Config {
	out := cfg
	out.Provider = cfg.ProviderName()
	out.BaseURL = cfg.BaseURLOrDefault()
	out.ChatModel = cfg.ChatModelName()
	out.EmbedModel = cfg.EmbedModelName()
	out.VisionModel = cfg.VisionModelName()
	out.TimeoutSeconds = int(cfg.RequestTimeout().Seconds())
	out.RetryCount = cfg.RetryAttempts()
	out.EmbedConcurrency = cfg.EmbedWorkers()
	out.RAG.DataDir = cfg.DataDirectory()
	out.RAG.DefaultDataset = cfg.DefaultDatasetPath()
	out.RAG.IndexPath = cfg.IndexFilePath()
	out.RAG.Backend = cfg.IndexBackend()
	out.RAG.ChromaCollection = cfg.ChromaCollectionName()
	out.RAG.ChunkSize = cfg.ChunkSize()
	out.RAG.ChunkOverlap = cfg.ChunkOverlap()
	out.RAG.EmbedBatchSize = cfg.EmbedBatchSize()
	out.RAG.TopK = cfg.TopK()
	out.RAG.MaxTopK = cfg.MaxTopK()
	out.RAG.HistoryTurns = cfg.HistoryTurns()
	out.Session.Backend = cfg.SessionBackend()
	out.Session.MaxSessions = cfg.MaxSessions()
	out.Session.MaxTurns = cfg.MaxTurns()
	out.Session.TTLSeconds = int(cfg.SessionTTL().Seconds())
	out.Server.Addr = cfg.ServerAddr()
	out.Vision.MaxImageBytes = cfg.MaxImageBytes()
	return out
}
