package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/infrastructure/clients/postgres"
	apperrors "github.com/opyter/cromqc/pkg/errors"
)

func setupMockDB(t *testing.T) (*postgres.Client, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	db := sqlx.NewDb(mockDB, "postgres")
	t.Cleanup(func() { db.Close() })
	return postgres.NewFromDB(db, "data_warehouse", "public"), mock
}

var stagedColumns = []string{"index", "lot", "time", "ph", "temp", "voltage", "date", "image_file", "img_file", "img"}

func TestStagingAdapter_CountJoined(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewStagingAdapter(client)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "public"."crom" AS "c" LEFT JOIN "public"."crom_img" AS "i"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2500))

	total, err := repo.CountJoined(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500, total)
	assert.Equal(t, "data_warehouse", repo.Tier())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStagingAdapter_FetchChunk(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewStagingAdapter(client)

	mock.ExpectQuery(`SELECT .+ FROM "public"."crom" AS "c" LEFT JOIN .+ ORDER BY "c"."index" ASC, "c"."image_file" ASC LIMIT 2 OFFSET 4`).
		WillReturnRows(sqlmock.NewRows(stagedColumns).
			AddRow(5, 1, "09:00:00", 2.0, 55.0, 30.0, "2024-05-02", "a.png", "a.png", []byte("aGVsbG8=")).
			AddRow(6, 1, nil, 0.5, 20.0, 10.0, "2024-05-02", "b.png", nil, nil))

	rows, err := repo.FetchChunk(context.Background(), 4, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(5), rows[0].Reading.Index)
	assert.Equal(t, "09:00:00", rows[0].Reading.Time)
	require.NotNil(t, rows[0].Image)
	assert.Equal(t, []byte("aGVsbG8="), rows[0].Image.Encoded)

	assert.Equal(t, "b.png", rows[1].Reading.ImageFile)
	assert.Equal(t, "", rows[1].Reading.Time)
	assert.Nil(t, rows[1].Image)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStagingAdapter_FetchChunkClassifiesErrors(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewStagingAdapter(client)

	mock.ExpectQuery(`SELECT .+ FROM "public"."crom"`).WillReturnError(&pq.Error{Code: "08006"})
	_, err := repo.FetchChunk(context.Background(), 0, 10)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConnection))

	mock.ExpectQuery(`SELECT .+ FROM "public"."crom"`).WillReturnError(errors.New("column does not exist"))
	_, err = repo.FetchChunk(context.Background(), 0, 10)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))

	_, err = repo.FetchChunk(context.Background(), -1, 10)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func enrichedRow(file string, defect entities.DefectType) *entities.EnrichedRow {
	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	return &entities.EnrichedRow{
		Reading: entities.SensorReading{Index: 1, Lot: 1, PH: 2, Temp: 55, Voltage: 30, Date: "2024-05-02", ImageFile: file},
		Image:   entities.ImageAsset{ImageFile: file, Encoded: []byte("aGVsbG8=")},
		Result: entities.ClassificationResult{
			ReadingRef: file,
			Detection:  true,
			Confidence: 0.91,
			DefectType: defect,
			EnrichedAt: now,
		},
		ArrivedAt: now,
	}
}

func TestResultAdapter_UpsertChunkCommitsOnce(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewResultAdapter(client)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "public"."crom_img" .+ ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO "public"."crom" .+ ON CONFLICT \(image_file\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := repo.UpsertChunk(context.Background(), []*entities.EnrichedRow{
		enrichedRow("a.png", entities.DefectTypeExcessPlating),
		enrichedRow("b.png", entities.DefectTypeNormal),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultAdapter_ReadingUpsertKeepsFirstArrival(t *testing.T) {
	client, _ := setupMockDB(t)
	repo := NewResultAdapter(client).(*ResultAdapter)

	query, _, err := repo.readingUpsert([]interface{}{goqu.Record{
		"image_file": "a.png",
		"arrived_at": time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)

	parts := strings.SplitN(query, "DO UPDATE SET", 2)
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0], `"arrived_at"`)
	assert.NotContains(t, parts[1], "arrived_at")
	assert.Contains(t, parts[1], `"enriched_at"=CASE WHEN ("crom".detection, "crom".confidence, "crom".defective_type) IS DISTINCT FROM`)
	assert.Contains(t, parts[1], `ELSE "crom".enriched_at END`)
	assert.Contains(t, parts[1], `"confidence"="excluded"."confidence"`)
}

func TestResultAdapter_UpsertChunkRollsBack(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewResultAdapter(client)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "public"."crom_img"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "public"."crom" `).WillReturnError(errors.New("value too long"))
	mock.ExpectRollback()

	err := repo.UpsertChunk(context.Background(), []*entities.EnrichedRow{enrichedRow("a.png", entities.DefectTypeNormal)})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUpsert))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultAdapter_UpsertChunkEmptyIsNoop(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewResultAdapter(client)

	require.NoError(t, repo.UpsertChunk(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultAdapter_EnsureSchema(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewResultAdapter(client)

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "public"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "public"."crom" `).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "public"."crom_img"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "public"."batch_control"`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointAdapter_GetAndSave(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewCheckpointAdapter(client)
	updated := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM "public"."batch_control" WHERE \("run_name" = 'ware_to_mart'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"run_name", "run_id", "next_offset", "total_rows", "success_count", "failure_count", "updated_at"}).
			AddRow("ware_to_mart", "run-1", 2000, 2500, 1990, 10, updated))

	cp, err := repo.Get(context.Background(), "ware_to_mart")
	require.NoError(t, err)
	assert.Equal(t, 2000, cp.NextOffset)
	assert.Equal(t, 2500, cp.Total)
	assert.Equal(t, 10, cp.FailureCount)

	mock.ExpectExec(`INSERT INTO "public"."batch_control" .+ ON CONFLICT \(run_name\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	cp.NextOffset = 2500
	require.NoError(t, repo.Save(context.Background(), cp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointAdapter_GetMissing(t *testing.T) {
	client, mock := setupMockDB(t)
	repo := NewCheckpointAdapter(client)

	mock.ExpectQuery(`SELECT .+ FROM "public"."batch_control"`).
		WillReturnRows(sqlmock.NewRows([]string{"run_name"}))

	_, err := repo.Get(context.Background(), "nightly")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
