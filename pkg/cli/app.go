package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/adapter"
	"github.com/m-mizutani/paperchat/pkg/agent"
	"github.com/m-mizutani/paperchat/pkg/chunk"
	"github.com/m-mizutani/paperchat/pkg/index"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/policy"
	"github.com/m-mizutani/paperchat/pkg/repository"
	"github.com/m-mizutani/paperchat/pkg/usecase/chat"
	"github.com/m-mizutani/paperchat/pkg/usecase/document"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// app holds the dependencies of one command invocation. Clients are created on first use.
type app struct {
	cfg *config

	repo      interfaces.Repository
	postgres  *repository.Postgres
	firestore *repository.Firestore
	gemini    *adapter.Gemini
	index     interfaces.VectorIndex
	turnLog   *adapter.TurnLog

	closers []func()
}

// open configures logging, applies the config file and connects the repository
func (cfg *config) open(ctx context.Context, c *cli.Command) (context.Context, *app, error) {
	if err := cfg.loadFile(c); err != nil {
		return ctx, nil, err
	}

	logger, err := logging.Build(cfg.logLevel, cfg.logFormat, os.Stderr)
	if err != nil {
		return ctx, nil, err
	}
	logging.SetDefault(logger)
	ctx = logging.With(ctx, logger)

	a := &app{cfg: cfg}
	if err := a.openRepository(ctx); err != nil {
		return ctx, nil, err
	}
	return ctx, a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) openRepository(ctx context.Context) error {
	switch a.cfg.store {
	case backendMemory:
		logging.From(ctx).Warn("using in-memory store, data is lost when the process exits")
		a.repo = repository.NewMemory()

	case backendPostgres:
		if a.cfg.postgresDSN == "" {
			return goerr.New("postgres-dsn is required for postgres store")
		}
		pg, err := repository.NewPostgres(ctx, a.cfg.postgresDSN)
		if err != nil {
			return goerr.Wrap(err, "failed to connect to PostgreSQL")
		}
		a.postgres = pg
		a.repo = pg
		a.closers = append(a.closers, pg.Close)

	case backendFirestore:
		if a.cfg.firestoreProject == "" {
			return goerr.New("firestore-project is required for firestore store")
		}
		fs, err := repository.NewFirestore(ctx, a.cfg.firestoreProject, a.cfg.firestoreDatabase)
		if err != nil {
			return err
		}
		a.firestore = fs
		a.repo = fs
		a.closers = append(a.closers, func() { _ = fs.Close() })

	default:
		return goerr.New("unsupported store",
			goerr.V("store", a.cfg.store),
			goerr.V("supported", []string{backendMemory, backendPostgres, backendFirestore}))
	}
	return nil
}

func (a *app) newGemini(ctx context.Context) (*adapter.Gemini, error) {
	if a.gemini != nil {
		return a.gemini, nil
	}

	opts := []adapter.GeminiOption{
		adapter.WithGenerativeModel(a.cfg.generativeModel),
		adapter.WithEmbeddingModel(a.cfg.embeddingModel),
		adapter.WithEmbeddingDimensions(int(a.cfg.embeddingDimensions)),
		adapter.WithEmbeddingRate(a.cfg.embedRPS, int(max(a.cfg.embedConcurrency, 1))),
	}

	var (
		gemini *adapter.Gemini
		err    error
	)
	switch {
	case a.cfg.geminiAPIKey != "":
		gemini, err = adapter.NewGeminiWithAPIKey(ctx, a.cfg.geminiAPIKey, opts...)
	case a.cfg.geminiProject != "":
		gemini, err = adapter.NewGemini(ctx, a.cfg.geminiProject, a.cfg.geminiLocation, opts...)
	default:
		return nil, goerr.New("gemini-project or gemini-api-key is required")
	}
	if err != nil {
		return nil, err
	}

	a.gemini = gemini
	return gemini, nil
}

func (a *app) indexBackend() string {
	if a.cfg.vectorIndex != "" {
		return a.cfg.vectorIndex
	}
	switch a.cfg.store {
	case backendPostgres:
		return backendPGVector
	case backendFirestore:
		return backendFirestore
	default:
		return backendMemory
	}
}

func (a *app) newIndex(ctx context.Context) (interfaces.VectorIndex, error) {
	if a.index != nil {
		return a.index, nil
	}

	embedder, err := a.newGemini(ctx)
	if err != nil {
		return nil, err
	}
	opts := []index.Option{index.WithConcurrency(int(a.cfg.embedConcurrency))}

	switch backend := a.indexBackend(); backend {
	case backendMemory:
		a.index = index.NewMemory(embedder, opts...)

	case backendPGVector:
		if a.postgres == nil {
			return nil, goerr.New("pgvector index requires the postgres store")
		}
		a.index = index.NewPGVector(a.postgres.Pool(), embedder, opts...)

	case backendFirestore:
		client := a.firestore
		if client == nil {
			if a.cfg.firestoreProject == "" {
				return nil, goerr.New("firestore-project is required for firestore index")
			}
			fs, err := repository.NewFirestore(ctx, a.cfg.firestoreProject, a.cfg.firestoreDatabase)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func() { _ = fs.Close() })
			client = fs
		}
		a.index = index.NewFirestore(client.Client(), embedder, opts...)

	default:
		return nil, goerr.New("unsupported index",
			goerr.V("index", backend),
			goerr.V("supported", []string{backendMemory, backendPGVector, backendFirestore}))
	}

	return a.index, nil
}

func (a *app) newStorage(ctx context.Context) (interfaces.Storage, error) {
	if a.cfg.storageBucket != "" {
		s, err := adapter.NewCloudStorage(ctx, a.cfg.storageBucket)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil
	}
	if a.cfg.storageDir == "" {
		return nil, goerr.New("storage-bucket or storage-dir is required")
	}
	return adapter.NewLocalStorage(a.cfg.storageDir)
}

// newTurnLog returns nil when no dataset is configured
func (a *app) newTurnLog(ctx context.Context) (*adapter.TurnLog, error) {
	if a.turnLog != nil || a.cfg.bigqueryDataset == "" {
		return a.turnLog, nil
	}

	project := a.cfg.bigqueryProject
	if project == "" {
		project = a.cfg.geminiProject
	}
	if project == "" {
		return nil, goerr.New("bigquery-project is required for turn logging")
	}

	tl, err := adapter.NewTurnLog(ctx, project, a.cfg.bigqueryDataset, a.cfg.bigqueryTable)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = tl.Close() })
	a.turnLog = tl
	return tl, nil
}

func (a *app) newDocuments(ctx context.Context) (*document.UseCase, error) {
	splitter, err := chunk.New(int(a.cfg.chunkSize), int(a.cfg.chunkOverlap))
	if err != nil {
		return nil, err
	}

	idx, err := a.newIndex(ctx)
	if err != nil {
		return nil, err
	}

	storage, err := a.newStorage(ctx)
	if err != nil {
		return nil, err
	}

	opts := []document.Option{document.WithFolder(a.cfg.storageFolder)}
	if a.cfg.policyDir != "" {
		p, err := policy.Load(ctx, a.cfg.policyDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, document.WithPolicy(p))
	}

	return document.New(a.repo, adapter.NewPDFParser(), splitter, storage, idx, opts...), nil
}

// newChatInput returns a session template; UserID and ChatID are left for the caller
func (a *app) newChatInput(ctx context.Context) (chat.NewInput, error) {
	gemini, err := a.newGemini(ctx)
	if err != nil {
		return chat.NewInput{}, err
	}
	idx, err := a.newIndex(ctx)
	if err != nil {
		return chat.NewInput{}, err
	}

	input := chat.NewInput{
		Repo:  a.repo,
		Agent: agent.New(a.repo, gemini, idx, agent.WithTimeout(a.cfg.turnTimeout)),
		Config: chat.Config{
			HistoryBudget: int(a.cfg.historyBudget),
			TopK:          int(a.cfg.topK),
			MaxRetrievals: int(a.cfg.maxRetrievals),
		},
	}

	tl, err := a.newTurnLog(ctx)
	if err != nil {
		return chat.NewInput{}, err
	}
	if tl != nil {
		input.TurnLog = tl
	}
	return input, nil
}

// lookupUser resolves a username given on the command line
func (a *app) lookupUser(ctx context.Context, username string) (*model.User, error) {
	if username == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "user is required")
	}
	user, err := a.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find user", goerr.V("username", username))
	}
	logging.From(ctx).Debug("user resolved", slog.Any("user_id", user.ID))
	return user, nil
}

func userFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "user",
		Aliases:     []string{"u"},
		Usage:       "Username acting on the documents and chats",
		Sources:     cli.EnvVars("PAPERCHAT_USER"),
		Destination: dst,
	}
}
