package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func terminalState() controller.State {
	return controller.State{
		Phase:      controller.PhaseTerminal,
		Generation: 7,
		Model:      "beans",
		ClassLabel: "Beans",
		SubLabel:   "Bean Rust",
		Label:      "bean_rust",
		Stages: []controller.StageResult{
			{Model: "auto", Attempts: 1, Class: 0, Label: "beans", Score: 0.9, Routed: true},
			{Model: "beans", Attempts: 2, Class: 1, Label: "bean_rust", Score: 0.7},
		},
		FinishedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFromState(t *testing.T) {
	rec, err := FromState(terminalState(), "leaf.jpg")
	require.NoError(t, err)

	assert.NotEqual(t, [16]byte{}, [16]byte(rec.ID))
	assert.Equal(t, uint64(7), rec.Generation)
	assert.Equal(t, "auto", rec.Model)
	assert.Equal(t, "terminal", rec.State)
	assert.Equal(t, "Bean Rust", rec.SubLabel)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, "leaf.jpg", rec.Source)

	stages, err := rec.StageResults()
	require.NoError(t, err)
	assert.Equal(t, terminalState().Stages, stages)
}

func TestFromStateRejectsUnfinished(t *testing.T) {
	_, err := FromState(controller.State{Phase: controller.PhaseRunning}, "")
	assert.Error(t, err)
}

func TestPaginationNormalize(t *testing.T) {
	assert.Equal(t, Pagination{Page: 1, PageSize: 20}, Pagination{}.normalize())
	assert.Equal(t, Pagination{Page: 3, PageSize: 50}, Pagination{Page: 3, PageSize: 50}.normalize())
	assert.Equal(t, Pagination{Page: 1, PageSize: 20}, Pagination{Page: -2, PageSize: 1000}.normalize())
}

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	logger, _ := test.NewNullLogger()
	db, err := gorm.Open(postgres.Open("host=localhost user=cropcheck dbname=cropcheck sslmode=disable"), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               NewGormLogger(logger),
	})
	require.NoError(t, err)
	return db
}

func TestCreateStatement(t *testing.T) {
	db := dryRunDB(t)
	rec, err := FromState(terminalState(), "leaf.jpg")
	require.NoError(t, err)

	stmt := db.Create(rec).Statement
	sql := stmt.SQL.String()
	assert.Contains(t, sql, `INSERT INTO "detections"`)
	assert.Contains(t, sql, `"class_label"`)
	assert.Contains(t, sql, `"sub_label"`)
}

func TestFindAllStatement(t *testing.T) {
	db := dryRunDB(t)
	var recs []Record
	stmt := db.Order("created_at DESC").Offset(20).Limit(20).Find(&recs).Statement
	sql := stmt.SQL.String()
	assert.Contains(t, sql, `FROM "detections"`)
	assert.Contains(t, sql, "ORDER BY created_at DESC")
}

// TestStore runs against a real database named by CROPCHECK_TEST_DSN.
func TestStore(t *testing.T) {
	dsn := os.Getenv("CROPCHECK_TEST_DSN")
	if dsn == "" {
		t.Skip("CROPCHECK_TEST_DSN not set")
	}
	logger, _ := test.NewNullLogger()
	store, err := Open(dsn, logger)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	rec, err := FromState(terminalState(), "leaf.jpg")
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.FindByID(ctx, rec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Bean Rust", got.SubLabel)

	page, err := store.FindAll(ctx, Pagination{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, page)

	require.NoError(t, store.Delete(ctx, rec.ID.String()))
	_, err = store.FindByID(ctx, rec.ID.String())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, rec.ID.String()), ErrNotFound)
}
