package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

var taskColumns = []string{"id", "status", "status_text", "meta", "created_at", "updated_at", "urls", "processed", "failed"}

func newMockStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewTaskStoreWithPool(mock, "tasks", time.Hour)
	require.NoError(t, err)
	return store, mock
}

func taskRow(mock pgxmock.PgxPoolIface, created time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(taskColumns).AddRow(
		"digest-1",
		"PROCESSING",
		"Processing 0/1",
		[]byte(`{"targetUrl":"https://example.com","useSitemap":false,"maxPages":5}`),
		created,
		created,
		[]byte(`["https://example.com"]`),
		[]byte(`{}`),
		[]byte(`{}`),
	)
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestNewTaskStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewTaskStoreWithPool(mock, "tasks; DROP TABLE x", time.Hour)
	require.Error(t, err)

	_, err = NewTaskStoreWithPool(nil, "tasks", time.Hour)
	require.Error(t, err)

	store, err := NewTaskStoreWithPool(mock, "", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "adaptive_crawl_tasks", store.table)
}

func TestGetTaskDecodesRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT id, status").WithArgs("digest-1").WillReturnRows(taskRow(mock, created))

	task, err := store.GetTask(context.Background(), "digest-1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusProcessing, task.Status)
	require.Equal(t, "https://example.com", task.Meta.TargetURL)
	require.Equal(t, 5, task.Meta.MaxPages)
	require.Equal(t, []string{"https://example.com"}, task.URLs)
	require.NotNil(t, task.Processed)
	require.Equal(t, created, task.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskMissing(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, status").WithArgs("nope").WillReturnRows(pgxmock.NewRows(taskColumns))

	_, err := store.GetTask(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTaskRejectsFreshRecord(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	task := crawler.NewTask("digest-1", crawler.CrawlRequestMeta{TargetURL: "https://example.com"}, now)

	mock.ExpectExec("INSERT INTO tasks").WithArgs(anyArgs(10)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO tasks").WithArgs(anyArgs(10)...).WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.CreateTask(context.Background(), task))
	err := store.CreateTask(context.Background(), task)
	require.ErrorIs(t, err, crawler.ErrTaskExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskMissing(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	status := crawler.TaskStatusCompleted

	mock.ExpectExec("UPDATE tasks SET").WithArgs(anyArgs(6)...).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateTask(context.Background(), "nope", crawler.TaskPatch{Status: &status})
	require.ErrorIs(t, err, crawler.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactCommitsMutation(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("digest-1").WillReturnRows(taskRow(mock, created))
	mock.ExpectExec("UPDATE tasks SET").WithArgs(anyArgs(8)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.Transact(context.Background(), "digest-1", func(task *crawler.Task) (bool, error) {
		task.Processed["https://example.com"] = "file:///cache/a.json"
		return true, nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactAbortRollsBack(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("digest-1").WillReturnRows(taskRow(mock, created))
	mock.ExpectRollback()

	err := store.Transact(context.Background(), "digest-1", func(*crawler.Task) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactPropagatesCallbackError(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("digest-1").WillReturnRows(taskRow(mock, created))
	mock.ExpectRollback()

	err := store.Transact(context.Background(), "digest-1", func(*crawler.Task) (bool, error) {
		return false, boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactRetriesDeadlock(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("digest-1").WillReturnError(&pgconn.PgError{Code: "40P01"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("digest-1").WillReturnRows(taskRow(mock, created))
	mock.ExpectExec("UPDATE tasks SET").WithArgs(anyArgs(8)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	calls := 0
	err := store.Transact(context.Background(), "digest-1", func(*crawler.Task) (bool, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
