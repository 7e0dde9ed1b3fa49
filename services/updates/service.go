package updates

import (
	"errors"
	"log"
	"os"

	"deltad/pkg/hdiff"
)

// Config controls runtime behaviour for the updates service.
type Config struct {
	// DataDir roots every stream's snapshot, scratch, and patch storage.
	DataDir string
	// UploadToken is the shared secret the gatekeeper compares against.
	UploadToken string
	// PatchBucket enables S3 mirroring of patch archives when non-empty.
	PatchBucket string

	// Differ defaults to the hdiffpatch binaries resolved from the
	// environment.
	Differ Differ
	// Signer optionally signs patch manifests.
	Signer *Signer
	Logger *log.Logger
	// Metrics may be nil; nothing is recorded then.
	Metrics *Metrics
}

// Service wires the gatekeeper, build pipeline, and version resolver behind
// the HTTP surface.
type Service struct {
	store     *Store
	registry  *Registry
	config    Config
	logger    *log.Logger
	metrics   *Metrics
	gate      *Gatekeeper
	pipeline  *Pipeline
	resolver  *Resolver
	manifests *ManifestStore
	layout    layout
}

// New initialises the service with sane defaults applied to the provided
// configuration.
func New(store *Store, registry *Registry, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.DB == nil {
		return nil, errors.New("store DB is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if registry == nil {
		return nil, errors.New("stream registry is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if cfg.UploadToken == "" {
		cfg.UploadToken = os.Getenv("DELTAD_UPLOAD_TOKEN")
	}
	if cfg.UploadToken == "" {
		return nil, errors.New("upload token is required")
	}
	if cfg.Differ == nil {
		cfg.Differ = hdiff.NewToolFromEnv()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	ledger, err := NewPostgresLedger(store.DB)
	if err != nil {
		return nil, err
	}
	authLog, err := NewGormAuthLog(store.ORM)
	if err != nil {
		return nil, err
	}
	gate, err := NewGatekeeper(cfg.UploadToken, authLog)
	if err != nil {
		return nil, err
	}

	manifests := NewManifestStore(cfg.DataDir)
	pipeline, err := NewPipeline(ledger, manifests, cfg.Differ, PipelineConfig{
		DataDir:     cfg.DataDir,
		Signer:      cfg.Signer,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		Bus:         store.Bus,
		S3:          store.S3,
		PatchBucket: cfg.PatchBucket,
	})
	if err != nil {
		return nil, err
	}
	resolver, err := NewResolver(ledger)
	if err != nil {
		return nil, err
	}

	return &Service{
		store:     store,
		registry:  registry,
		config:    cfg,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		gate:      gate,
		pipeline:  pipeline,
		resolver:  resolver,
		manifests: manifests,
		layout:    layout{root: cfg.DataDir},
	}, nil
}
