package database

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/repositories"
	"github.com/opyter/cromqc/internal/infrastructure/clients/postgres"
	apperrors "github.com/opyter/cromqc/pkg/errors"
)

// ResultAdapter implements ResultRepository for a destination tier
type ResultAdapter struct {
	tierDB
}

// NewResultAdapter creates a new result adapter
func NewResultAdapter(client *postgres.Client) repositories.ResultRepository {
	return &ResultAdapter{tierDB: newTierDB(client)}
}

// Tier returns the tier name this repository writes to
func (a *ResultAdapter) Tier() string {
	return a.client.Tier()
}

// UpsertChunk writes the image rows and the enriched readings of a chunk in
// one transaction. Readings are keyed by image_file and overwritten on
// conflict; image rows already present are left untouched.
func (a *ResultAdapter) UpsertChunk(ctx context.Context, rows []*entities.EnrichedRow) error {
	if len(rows) == 0 {
		return nil
	}

	imageRecords := make([]interface{}, 0, len(rows))
	readingRecords := make([]interface{}, 0, len(rows))
	for _, r := range rows {
		imageRecords = append(imageRecords, goqu.Record{
			"image_file": r.Image.ImageFile,
			"img":        r.Image.Encoded,
		})
		readingRecords = append(readingRecords, goqu.Record{
			"index":          r.Reading.Index,
			"lot":            r.Reading.Lot,
			"time":           r.Reading.Time,
			"ph":             r.Reading.PH,
			"temp":           r.Reading.Temp,
			"voltage":        r.Reading.Voltage,
			"date":           r.Reading.Date,
			"image_file":     r.Reading.ImageFile,
			"detection":      r.Result.DetectionCode(),
			"confidence":     r.Result.Confidence,
			"defective_type": int(r.Result.DefectType),
			"enriched_at":    r.Result.EnrichedAt,
			"arrived_at":     r.ArrivedAt,
		})
	}

	imageQuery, imageArgs, err := a.db.Insert(a.table(imageTable)).
		Prepared(true).
		Rows(imageRecords...).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build image insert query", err)
	}

	readingQuery, readingArgs, err := a.readingUpsert(readingRecords)
	if err != nil {
		return apperrors.NewInternalError("failed to build upsert query", err)
	}

	start := time.Now()
	err = a.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, imageQuery, imageArgs...); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, readingQuery, readingArgs...)
		return err
	})
	if err != nil {
		msg := fmt.Sprintf("failed to upsert %d rows into %s", len(rows), a.client.Tier())
		if postgres.IsConnectionError(err) {
			return apperrors.NewConnectionError(msg, err)
		}
		return apperrors.NewUpsertError(msg, err)
	}

	log.Debug().
		Str("tier", a.client.Tier()).
		Int("rows", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Chunk upserted")
	return nil
}

// readingUpsert keeps arrived_at from the first write; enriched_at only moves
// when the stored verdict changes.
func (a *ResultAdapter) readingUpsert(records []interface{}) (string, []interface{}, error) {
	existing := pq.QuoteIdentifier(readingTable)
	enrichedAt := goqu.L(fmt.Sprintf(
		`CASE WHEN (%[1]s.detection, %[1]s.confidence, %[1]s.defective_type) `+
			`IS DISTINCT FROM (excluded.detection, excluded.confidence, excluded.defective_type) `+
			`THEN excluded.enriched_at ELSE %[1]s.enriched_at END`, existing))

	return a.db.Insert(a.table(readingTable)).
		Prepared(true).
		Rows(records...).
		OnConflict(goqu.DoUpdate("image_file", goqu.Record{
			"index":          goqu.I("excluded.index"),
			"lot":            goqu.I("excluded.lot"),
			"time":           goqu.I("excluded.time"),
			"ph":             goqu.I("excluded.ph"),
			"temp":           goqu.I("excluded.temp"),
			"voltage":        goqu.I("excluded.voltage"),
			"date":           goqu.I("excluded.date"),
			"detection":      goqu.I("excluded.detection"),
			"confidence":     goqu.I("excluded.confidence"),
			"defective_type": goqu.I("excluded.defective_type"),
			"enriched_at":    enrichedAt,
		})).
		ToSQL()
}

func (a *ResultAdapter) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Str("tier", a.client.Tier()).Msg("Rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// EnsureSchema creates the destination tables when absent
func (a *ResultAdapter) EnsureSchema(ctx context.Context) error {
	schema := pq.QuoteIdentifier(a.client.Schema())
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	"index" BIGINT NOT NULL,
	lot BIGINT NOT NULL,
	"time" TEXT,
	ph DOUBLE PRECISION NOT NULL,
	temp DOUBLE PRECISION NOT NULL,
	voltage DOUBLE PRECISION NOT NULL,
	"date" TEXT,
	image_file TEXT PRIMARY KEY,
	detection SMALLINT,
	confidence DOUBLE PRECISION,
	defective_type SMALLINT,
	enriched_at TIMESTAMPTZ,
	arrived_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, schema, pq.QuoteIdentifier(readingTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	image_file TEXT PRIMARY KEY,
	img BYTEA NOT NULL
)`, schema, pq.QuoteIdentifier(imageTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	run_name TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	next_offset INTEGER NOT NULL,
	total_rows INTEGER NOT NULL,
	success_count INTEGER NOT NULL,
	failure_count INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, schema, pq.QuoteIdentifier(checkpointTable)),
	}

	for _, stmt := range statements {
		if _, err := a.client.DB().ExecContext(ctx, stmt); err != nil {
			return wrapQueryError(fmt.Sprintf("failed to bootstrap %s schema", a.client.Tier()), err)
		}
	}
	return nil
}
