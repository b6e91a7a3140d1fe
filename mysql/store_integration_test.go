//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/mysql"
)

func TestStoreProcessDeliversIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	var delivered []int64
	box := newBox(t, boxrelay.BoxConfig{Name: "orders", BucketSize: 4},
		boxrelay.WithTransports(boxrelay.CatchAll, boxrelay.TransportFunc(func(_ context.Context, item *boxrelay.Item, _ []byte) (bool, error) {
			delivered = append(delivered, item.ID)

			return true, nil
		})),
	)
	setupSchema(t, ctx, db, box)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, db, store, box,
		boxrelay.Entry{EventKey: boxrelay.Key("1"), EventName: "created", Payload: []byte(`{"id":1}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("2"), EventName: "created", Payload: []byte(`{"id":2}`), Options: map[string]any{"headers": map[string]string{"trace": "abc"}}},
	)
	require.Len(t, refs, 2)

	items := boxrelay.NewItemProcessor(store)
	for _, ref := range refs {
		res := items.Process(ctx, box, ref.ID)
		require.Equal(t, boxrelay.OutcomeDelivered, res.Outcome, "item %d: %v", ref.ID, res.Err)
	}
	require.Equal(t, []int64{refs[0].ID, refs[1].ID}, delivered)

	res := items.Process(ctx, box, refs[0].ID)
	require.Equal(t, boxrelay.OutcomeAlreadyProcessed, res.Outcome)
	res = items.Process(ctx, box, 999)
	require.Equal(t, boxrelay.OutcomeNotFound, res.Outcome)

	status, errorsCount, processedAt := fetchStatus(t, ctx, db, box, refs[1].ID)
	require.Equal(t, boxrelay.StatusDelivered, status)
	require.Zero(t, errorsCount)
	require.True(t, processedAt.Valid)
}

func TestStoreRetryThenFailIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	box := newBox(t, boxrelay.BoxConfig{
		Name:            "orders",
		MaxRetries:      1,
		RetryStrategies: []boxrelay.StrategySpec{{Name: boxrelay.StrategyNoDelay}},
	}, boxrelay.WithTransports(boxrelay.CatchAll, boxrelay.TransportFunc(func(context.Context, *boxrelay.Item, []byte) (bool, error) {
		return false, errors.New("broker down")
	})))
	setupSchema(t, ctx, db, box)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, db, store, box, boxrelay.Entry{Payload: []byte(`{}`)})
	items := boxrelay.NewItemProcessor(store)

	res := items.Process(ctx, box, refs[0].ID)
	require.Equal(t, boxrelay.OutcomeRetry, res.Outcome)
	status, errorsCount, _ := fetchStatus(t, ctx, db, box, refs[0].ID)
	require.Equal(t, boxrelay.StatusPending, status)
	require.Equal(t, 1, errorsCount)

	res = items.Process(ctx, box, refs[0].ID)
	require.Equal(t, boxrelay.OutcomeFailed, res.Outcome)
	status, errorsCount, _ = fetchStatus(t, ctx, db, box, refs[0].ID)
	require.Equal(t, boxrelay.StatusFailed, status)
	require.Equal(t, 2, errorsCount)

	var errorLog string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT error_log FROM orders WHERE id = ?", refs[0].ID).Scan(&errorLog))
	require.Contains(t, errorLog, "broker down")
}

func TestStoreScanPendingIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	box := newBox(t, boxrelay.BoxConfig{Name: "orders", BucketSize: 4, PartitionStrategy: boxrelay.PartitionNumber})
	setupSchema(t, ctx, db, box)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, db, store, box,
		boxrelay.Entry{EventKey: boxrelay.Key("0"), Payload: []byte(`{}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("1"), Payload: []byte(`{}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("4"), Payload: []byte(`{}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("8"), Payload: []byte(`{}`)},
	)
	require.Equal(t, 0, refs[0].Bucket)
	require.Equal(t, 1, refs[1].Bucket)

	_, err = db.ExecContext(ctx, "UPDATE orders SET processed_at = NOW(6), errors_count = 1 WHERE id = ?", refs[2].ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE orders SET status = ? WHERE id = ?", boxrelay.StatusDelivered, refs[3].ID)
	require.NoError(t, err)

	got, err := store.ScanPending(ctx, box, boxrelay.ScanOptions{Buckets: []int{0}, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, []boxrelay.ItemRef{
		{ID: refs[0].ID, Bucket: 0},
		{ID: refs[2].ID, Bucket: 0, Retryable: true},
	}, got)

	got, err = store.ScanPending(ctx, box, boxrelay.ScanOptions{Buckets: []int{0, 1}, AfterID: refs[0].ID, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []boxrelay.ItemRef{{ID: refs[1].ID, Bucket: 1}}, got)
}

func TestStoreSavepointAndNewerDeliveredIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	box := newBox(t, boxrelay.BoxConfig{Name: "orders"})
	setupSchema(t, ctx, db, box)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, db, store, box,
		boxrelay.Entry{EventKey: boxrelay.Key("10"), EventName: "updated", Payload: []byte(`{}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("10"), EventName: "updated", Payload: []byte(`{}`)},
	)
	_, err = db.ExecContext(ctx, "UPDATE orders SET status = ? WHERE id = ?", boxrelay.StatusDelivered, refs[1].ID)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.InTx(ctx, func(ctx context.Context, tx boxrelay.Tx) error {
		item, err := tx.LockItem(ctx, box, refs[0].ID)
		if err != nil {
			return err
		}

		newer, err := tx.HasNewerDelivered(ctx, box, item, true)
		if err != nil {
			return err
		}
		require.True(t, newer)

		spErr := tx.Savepoint(ctx, func(ctx context.Context) error {
			item.ErrorsCount = 5
			if err := tx.SaveItem(ctx, box, item); err != nil {
				return err
			}

			return boom
		})
		require.ErrorIs(t, spErr, boom)

		item.ErrorsCount = 1
		return tx.SaveItem(ctx, box, item)
	})
	require.NoError(t, err)

	_, errorsCount, _ := fetchStatus(t, ctx, db, box, refs[0].ID)
	require.Equal(t, 1, errorsCount)

	err = store.InTx(ctx, func(ctx context.Context, tx boxrelay.Tx) error {
		item, err := tx.LockItem(ctx, box, refs[1].ID)
		if err != nil {
			return err
		}

		return tx.SaveItem(ctx, box, item)
	})
	require.ErrorIs(t, err, boxrelay.ErrAlreadyProcessed)
}

func startMySQLContainer(t *testing.T, ctx context.Context) (testcontainers.Container, *sql.DB) {
	t.Helper()
	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "boxrelay",
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/boxrelay?parseTime=true", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	dsn := fmt.Sprintf("root:secret@tcp(%s:%s)/boxrelay?parseTime=true&loc=UTC", host, mappedPort.Port())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}
	return container, db
}

func newBox(t *testing.T, cfg boxrelay.BoxConfig, opts ...boxrelay.BoxOption) *boxrelay.Box {
	t.Helper()
	box, err := boxrelay.NewBox(cfg, opts...)
	require.NoError(t, err)
	return box
}

func setupSchema(t *testing.T, ctx context.Context, db *sql.DB, box *boxrelay.Box) {
	t.Helper()
	schema, err := mysql.Schema(box.Table())
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, schema)
	require.NoError(t, err)
}

func insertEntries(t *testing.T, ctx context.Context, db *sql.DB, store *mysql.Store, box *boxrelay.Box, entries ...boxrelay.Entry) []boxrelay.ItemRef {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	refs, err := store.Enqueue(ctx, tx, box, entries...)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return refs
}

func fetchStatus(t *testing.T, ctx context.Context, db *sql.DB, box *boxrelay.Box, id int64) (boxrelay.Status, int, sql.NullTime) {
	t.Helper()
	var (
		status      boxrelay.Status
		errorsCount int
		processedAt sql.NullTime
	)
	query := fmt.Sprintf("SELECT status, errors_count, processed_at FROM %s WHERE id = ?", box.Table())
	err := db.QueryRowContext(ctx, query, id).Scan(&status, &errorsCount, &processedAt)
	require.NoError(t, err)
	return status, errorsCount, processedAt
}
