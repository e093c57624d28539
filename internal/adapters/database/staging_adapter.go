package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/repositories"
	"github.com/opyter/cromqc/internal/infrastructure/clients/postgres"
	apperrors "github.com/opyter/cromqc/pkg/errors"
)

// StagingAdapter implements StagingRepository over the crom/crom_img tables of a tier
type StagingAdapter struct {
	tierDB
}

// NewStagingAdapter creates a new staging adapter
func NewStagingAdapter(client *postgres.Client) repositories.StagingRepository {
	return &StagingAdapter{tierDB: newTierDB(client)}
}

type stagedRecord struct {
	Index     int64          `db:"index"`
	Lot       int64          `db:"lot"`
	Time      sql.NullString `db:"time"`
	PH        float64        `db:"ph"`
	Temp      float64        `db:"temp"`
	Voltage   float64        `db:"voltage"`
	Date      sql.NullString `db:"date"`
	ImageFile string         `db:"image_file"`
	ImgFile   sql.NullString `db:"img_file"`
	Img       []byte         `db:"img"`
}

func (a *StagingAdapter) joined() *goqu.SelectDataset {
	return a.db.From(a.table(readingTable).As("c")).
		LeftJoin(
			a.table(imageTable).As("i"),
			goqu.On(goqu.I("c.image_file").Eq(goqu.I("i.image_file"))),
		)
}

// Tier returns the tier name this repository reads from
func (a *StagingAdapter) Tier() string {
	return a.client.Tier()
}

// CountJoined returns the number of rows in the reading/image join
func (a *StagingAdapter) CountJoined(ctx context.Context) (int, error) {
	query, args, err := a.joined().Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build count query", err)
	}

	var total int
	if err := a.client.DB().GetContext(ctx, &total, query, args...); err != nil {
		return 0, wrapQueryError(fmt.Sprintf("failed to count %s rows", a.client.Tier()), err)
	}
	return total, nil
}

// FetchChunk returns up to limit joined rows starting at offset
func (a *StagingAdapter) FetchChunk(ctx context.Context, offset, limit int) ([]*entities.StagedRow, error) {
	if offset < 0 || limit <= 0 {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid page offset=%d limit=%d", offset, limit))
	}

	query, args, err := a.joined().
		Select(
			goqu.I("c.index"),
			goqu.I("c.lot"),
			goqu.I("c.time"),
			goqu.I("c.ph"),
			goqu.I("c.temp"),
			goqu.I("c.voltage"),
			goqu.I("c.date"),
			goqu.I("c.image_file"),
			goqu.I("i.image_file").As("img_file"),
			goqu.I("i.img"),
		).
		Order(goqu.I("c.index").Asc(), goqu.I("c.image_file").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build chunk query", err)
	}

	var records []stagedRecord
	if err := a.client.DB().SelectContext(ctx, &records, query, args...); err != nil {
		return nil, wrapQueryError(fmt.Sprintf("failed to fetch %s chunk at offset %d", a.client.Tier(), offset), err)
	}

	rows := make([]*entities.StagedRow, 0, len(records))
	for _, r := range records {
		row := &entities.StagedRow{
			Reading: entities.SensorReading{
				Index:     r.Index,
				Lot:       r.Lot,
				Time:      r.Time.String,
				PH:        r.PH,
				Temp:      r.Temp,
				Voltage:   r.Voltage,
				Date:      r.Date.String,
				ImageFile: r.ImageFile,
			},
		}
		if r.ImgFile.Valid {
			row.Image = &entities.ImageAsset{ImageFile: r.ImgFile.String, Encoded: r.Img}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func wrapQueryError(msg string, err error) error {
	if postgres.IsConnectionError(err) {
		return apperrors.NewConnectionError(msg, err)
	}
	return apperrors.NewInternalError(msg, err)
}
