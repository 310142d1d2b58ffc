package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/adapter"
	"github.com/m-mizutani/paperchat/pkg/agent"
	"github.com/m-mizutani/paperchat/pkg/chunk"
	"github.com/m-mizutani/paperchat/pkg/index"
	"github.com/m-mizutani/paperchat/pkg/usecase/chat"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	backendMemory    = "memory"
	backendPostgres  = "postgres"
	backendFirestore = "firestore"
	backendPGVector  = "pgvector"
)

// config holds configuration values
type config struct {
	configPath string
	logLevel   string
	logFormat  string

	// Repository and index
	store             string
	vectorIndex       string
	postgresDSN       string
	firestoreProject  string
	firestoreDatabase string

	// Gemini
	geminiProject       string
	geminiLocation      string
	geminiAPIKey        string
	generativeModel     string
	embeddingModel      string
	embeddingDimensions int64
	embedRPS            float64
	embedConcurrency    int64

	// Raw file archive
	storageBucket string
	storageDir    string
	storageFolder string

	// Turn log
	bigqueryProject string
	bigqueryDataset string
	bigqueryTable   string

	// Ingestion
	policyDir    string
	chunkSize    int64
	chunkOverlap int64

	// Turn
	topK          int64
	historyBudget int64
	maxRetrievals int64
	turnTimeout   time.Duration
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "YAML file with default values keyed by flag name",
			Sources:     cli.EnvVars("PAPERCHAT_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("PAPERCHAT_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("PAPERCHAT_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Repository backend (memory, postgres, firestore)",
			Value:       backendMemory,
			Sources:     cli.EnvVars("PAPERCHAT_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "PostgreSQL connection string",
			Sources:     cli.EnvVars("PAPERCHAT_POSTGRES_DSN", "DATABASE_URL"),
			Destination: &cfg.postgresDSN,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID of Firestore",
			Sources:     cli.EnvVars("PAPERCHAT_FIRESTORE_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("PAPERCHAT_FIRESTORE_DATABASE", "FIRESTORE_DATABASE_ID"),
			Destination: &cfg.firestoreDatabase,
		},
	}
}

// llmFlags returns flags for Gemini and the vector index
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "index",
			Usage:       "Vector index backend (memory, pgvector, firestore). Defaults to the one matching --store",
			Sources:     cli.EnvVars("PAPERCHAT_INDEX"),
			Destination: &cfg.vectorIndex,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini on Vertex AI",
			Sources:     cli.EnvVars("PAPERCHAT_GEMINI_PROJECT", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("PAPERCHAT_GEMINI_LOCATION", "GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini Developer API key, used instead of Vertex AI when set",
			Sources:     cli.EnvVars("PAPERCHAT_GEMINI_API_KEY", "GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "generative-model",
			Usage:       "Gemini model answering questions",
			Value:       adapter.DefaultGenerativeModel,
			Sources:     cli.EnvVars("PAPERCHAT_GENERATIVE_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini embedding model",
			Value:       adapter.DefaultEmbeddingModel,
			Sources:     cli.EnvVars("PAPERCHAT_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Usage:       "Size of embedding vectors",
			Value:       adapter.DefaultEmbeddingDimensions,
			Sources:     cli.EnvVars("PAPERCHAT_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.embeddingDimensions,
		},
		&cli.FloatFlag{
			Name:        "embed-rps",
			Usage:       "Maximum embedding requests per second (0 for unlimited)",
			Value:       10,
			Sources:     cli.EnvVars("PAPERCHAT_EMBED_RPS"),
			Destination: &cfg.embedRPS,
		},
		&cli.IntFlag{
			Name:        "embed-concurrency",
			Usage:       "Embedding requests in flight while indexing",
			Value:       index.DefaultConcurrency,
			Sources:     cli.EnvVars("PAPERCHAT_EMBED_CONCURRENCY"),
			Destination: &cfg.embedConcurrency,
		},
	}
}

// turnFlags returns flags controlling one question and answer turn
func turnFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "top-k",
			Usage:       "Fragments returned per retrieval",
			Value:       chat.DefaultTopK,
			Sources:     cli.EnvVars("PAPERCHAT_TOP_K"),
			Destination: &cfg.topK,
		},
		&cli.IntFlag{
			Name:        "history-budget",
			Usage:       "Maximum characters of chat history sent to the model",
			Value:       chat.DefaultHistoryBudget,
			Sources:     cli.EnvVars("PAPERCHAT_HISTORY_BUDGET"),
			Destination: &cfg.historyBudget,
		},
		&cli.IntFlag{
			Name:        "max-retrievals",
			Usage:       "Maximum retrievals per turn",
			Value:       agent.DefaultMaxRetrievals,
			Sources:     cli.EnvVars("PAPERCHAT_MAX_RETRIEVALS"),
			Destination: &cfg.maxRetrievals,
		},
		&cli.DurationFlag{
			Name:        "turn-timeout",
			Usage:       "Deadline of one turn",
			Value:       agent.DefaultTurnTimeout,
			Sources:     cli.EnvVars("PAPERCHAT_TURN_TIMEOUT"),
			Destination: &cfg.turnTimeout,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project ID of the turn log table",
			Sources:     cli.EnvVars("PAPERCHAT_BIGQUERY_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset of the turn log. Turn logging is disabled when empty",
			Sources:     cli.EnvVars("PAPERCHAT_BIGQUERY_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table of the turn log",
			Value:       "turns",
			Sources:     cli.EnvVars("PAPERCHAT_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
	}
}

// ingestFlags returns flags for document upload
func ingestFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "storage-bucket",
			Usage:       "Cloud Storage bucket archiving uploaded files",
			Sources:     cli.EnvVars("PAPERCHAT_STORAGE_BUCKET"),
			Destination: &cfg.storageBucket,
		},
		&cli.StringFlag{
			Name:        "storage-dir",
			Usage:       "Local directory archiving uploaded files when no bucket is set",
			Value:       "./data",
			Sources:     cli.EnvVars("PAPERCHAT_STORAGE_DIR"),
			Destination: &cfg.storageDir,
		},
		&cli.StringFlag{
			Name:        "storage-folder",
			Usage:       "Key prefix of archived files",
			Value:       "documents",
			Sources:     cli.EnvVars("PAPERCHAT_STORAGE_FOLDER"),
			Destination: &cfg.storageFolder,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego files evaluated as data.upload.deny",
			Sources:     cli.EnvVars("PAPERCHAT_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.IntFlag{
			Name:        "chunk-size",
			Usage:       "Maximum characters per chunk",
			Value:       chunk.DefaultSize,
			Sources:     cli.EnvVars("PAPERCHAT_CHUNK_SIZE"),
			Destination: &cfg.chunkSize,
		},
		&cli.IntFlag{
			Name:        "chunk-overlap",
			Usage:       "Characters shared by neighboring chunks",
			Value:       chunk.DefaultOverlap,
			Sources:     cli.EnvVars("PAPERCHAT_CHUNK_OVERLAP"),
			Destination: &cfg.chunkOverlap,
		},
	}
}

// loadFile fills flags that were set neither on the command line nor by environment
// variables from the YAML file given by --config.
func (cfg *config) loadFile(c *cli.Command) error {
	if cfg.configPath == "" {
		return nil
	}

	data, err := os.ReadFile(cfg.configPath)
	if err != nil {
		return goerr.Wrap(err, "failed to read config file", goerr.V("path", cfg.configPath))
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return goerr.Wrap(err, "failed to parse config file", goerr.V("path", cfg.configPath))
	}

	known := make(map[string]struct{})
	for _, flag := range c.Flags {
		for _, name := range flag.Names() {
			known[name] = struct{}{}
		}
	}

	for key, value := range values {
		if key == "config" {
			continue
		}
		if _, ok := known[key]; !ok {
			// keys of other commands share one file
			continue
		}
		if c.IsSet(key) {
			continue
		}
		if err := c.Set(key, fmt.Sprint(value)); err != nil {
			return goerr.Wrap(err, "invalid value in config file",
				goerr.V("path", cfg.configPath), goerr.V("key", key))
		}
	}

	return nil
}
