package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/build"
	"github.com/voxelbench/voxelbench/pkg/config"
	"github.com/voxelbench/voxelbench/pkg/db"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/progress"
	"github.com/voxelbench/voxelbench/pkg/queue"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/template"
	"github.com/voxelbench/voxelbench/pkg/token"
	"github.com/voxelbench/voxelbench/pkg/vlog"
)

// deps is the shared service wiring every voxeld role starts from.
type deps struct {
	cfg      *config.EnvConfig
	policies map[run.StageKind]pipeline.Policy
	log      *vlog.Logger

	store    run.Store
	queue    queue.Queue
	machine  *pipeline.Machine
	notes    *progress.Notes
	objects  artifact.Store
	recorder *artifact.Recorder
	minter   *token.Minter

	closers []func() error
}

// bootstrap connects the backing services. Every role needs all of them;
// partial wiring only hides failures until traffic arrives.
func bootstrap(ctx context.Context) (*deps, error) {
	cfg, err := config.ValidateEnv()
	if err != nil {
		return nil, err
	}
	cfg.Print(log.Printf)

	policies, err := config.LoadPolicies(cfg.StagePolicyFile)
	if err != nil {
		return nil, err
	}

	logger := vlog.NewDefault().With("app", "voxeld")

	d := &deps{cfg: cfg, policies: policies, log: logger}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	d.closers = append(d.closers, database.Close)
	d.store = run.NewBunStore(database)

	q, err := queue.NewRedisQueue(queue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect queue: %w", err)
	}
	d.closers = append(d.closers, q.Close)
	d.queue = q

	kv, err := progress.NewRedisStore(progress.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect progress store: %w", err)
	}
	d.closers = append(d.closers, kv.Close)
	d.notes = progress.NewNotes(kv, 30*time.Minute)

	objects, err := artifact.NewS3Store(artifact.S3Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure artifact bucket: %w", err)
	}
	d.objects = objects
	d.recorder = artifact.NewRecorder(objects, d.store, cfg.S3Bucket)

	d.machine = pipeline.NewMachine(d.store, policies, logger)
	d.minter = token.NewMinter([]byte(cfg.AuthSecret), "voxeld", time.Hour)

	return d, nil
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// defaultTemplates is the built-in template set used until an external
// catalog is wired in.
func defaultTemplates() *template.StaticService {
	return template.NewStaticService(&template.Template{
		Name: "default",
		Content: "Design a structure matching this description: {{.Prompt}}\n" +
			"Respond with a <code> section containing a JSON array of placement\n" +
			"commands. Stay within ({{.MinX}},{{.MinY}},{{.MinZ}}) to ({{.MaxX}},{{.MaxY}},{{.MaxZ}}).",
		Bounds: build.Box(
			build.Pos{X: -100, Y: 0, Z: -100},
			build.Pos{X: 100, Y: 120, Z: 100},
		),
	})
}
