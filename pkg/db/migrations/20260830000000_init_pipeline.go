package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/voxelbench/voxelbench/pkg/run"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [up migration] ")

		_, err := db.NewRaw("CREATE SCHEMA IF NOT EXISTS pipeline").Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*run.Run)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*run.RunStage)(nil)).
			IfNotExists().
			ForeignKey(`("run_id") REFERENCES pipeline.runs ("id")`).
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = db.NewCreateTable().
			Model((*run.Artifact)(nil)).
			IfNotExists().
			ForeignKey(`("run_id") REFERENCES pipeline.runs ("id")`).
			Exec(ctx)
		if err != nil {
			return err
		}

		// One stage row per (run, kind); one artifact reference per (run, kind).
		_, err = db.NewRaw(`CREATE UNIQUE INDEX IF NOT EXISTS run_stages_run_kind_idx
			ON pipeline.run_stages (run_id, kind)`).Exec(ctx)
		if err != nil {
			return err
		}
		_, err = db.NewRaw(`CREATE UNIQUE INDEX IF NOT EXISTS artifacts_run_kind_idx
			ON pipeline.artifacts (run_id, kind)`).Exec(ctx)
		if err != nil {
			return err
		}

		// Scheduler scans: due retries and stalled heartbeats.
		_, err = db.NewRaw(`CREATE INDEX IF NOT EXISTS run_stages_retry_idx
			ON pipeline.run_stages (not_before) WHERE state = 'RETRY_PENDING'`).Exec(ctx)
		if err != nil {
			return err
		}
		_, err = db.NewRaw(`CREATE INDEX IF NOT EXISTS run_stages_heartbeat_idx
			ON pipeline.run_stages (heartbeat) WHERE state IN ('IN_PROGRESS', 'IN_RETRY')`).Exec(ctx)
		if err != nil {
			return err
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		_, err := db.NewDropTable().Model((*run.Artifact)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}
		_, err = db.NewDropTable().Model((*run.RunStage)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}
		_, err = db.NewDropTable().Model((*run.Run)(nil)).IfExists().Exec(ctx)
		if err != nil {
			return err
		}
		_, err = db.NewRaw("DROP SCHEMA IF EXISTS pipeline").Exec(ctx)
		if err != nil {
			return err
		}

		return nil
	})
}
