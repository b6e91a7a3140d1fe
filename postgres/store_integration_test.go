//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/postgres"
)

func TestStoreProcessIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	var delivered []int64
	box := newBox(t, boxrelay.BoxConfig{Name: "orders", BucketSize: 4},
		boxrelay.WithTransports(boxrelay.CatchAll, boxrelay.TransportFunc(func(_ context.Context, item *boxrelay.Item, _ []byte) (bool, error) {
			delivered = append(delivered, item.ID)

			return true, nil
		})),
	)
	setupSchema(t, ctx, pool, box)

	store, err := postgres.NewStore(pool)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, pool, store, box,
		boxrelay.Entry{EventKey: boxrelay.Key("1"), EventName: "created", Payload: []byte(`{"id":1}`)},
		boxrelay.Entry{EventName: "created", Payload: []byte(`{"id":2}`), Options: map[string]any{"headers": map[string]string{"trace": "abc"}}},
	)
	require.Len(t, refs, 2)
	require.Less(t, refs[0].ID, refs[1].ID)

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
}

func TestStoreRetryThenFailIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	box := newBox(t, boxrelay.BoxConfig{
		Name:            "orders",
		MaxRetries:      1,
		RetryStrategies: []boxrelay.StrategySpec{{Name: boxrelay.StrategyNoDelay}},
	}, boxrelay.WithTransports(boxrelay.CatchAll, boxrelay.TransportFunc(func(context.Context, *boxrelay.Item, []byte) (bool, error) {
		return false, errors.New("broker down")
	})))
	setupSchema(t, ctx, pool, box)

	store, err := postgres.NewStore(pool)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, pool, store, box, boxrelay.Entry{Payload: []byte(`{}`)})
	items := boxrelay.NewItemProcessor(store)

	require.Equal(t, boxrelay.OutcomeRetry, items.Process(ctx, box, refs[0].ID).Outcome)
	require.Equal(t, boxrelay.OutcomeFailed, items.Process(ctx, box, refs[0].ID).Outcome)

	var (
		status      int16
		errorsCount int
		errorLog    string
	)
	require.NoError(t, pool.QueryRow(ctx, "SELECT status, errors_count, error_log FROM orders WHERE id = $1", refs[0].ID).
		Scan(&status, &errorsCount, &errorLog))
	require.Equal(t, int16(boxrelay.StatusFailed), status)
	require.Equal(t, 2, errorsCount)
	require.Contains(t, errorLog, "broker down")
}

func TestStoreScanPendingIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	box := newBox(t, boxrelay.BoxConfig{Name: "orders", BucketSize: 4, PartitionStrategy: boxrelay.PartitionNumber})
	setupSchema(t, ctx, pool, box)

	store, err := postgres.NewStore(pool)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, pool, store, box,
		boxrelay.Entry{EventKey: boxrelay.Key("0"), Payload: []byte(`{}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("1"), Payload: []byte(`{}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("4"), Payload: []byte(`{}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("8"), Payload: []byte(`{}`)},
	)

	_, err = pool.Exec(ctx, "UPDATE orders SET processed_at = now(), errors_count = 1 WHERE id = $1", refs[2].ID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "UPDATE orders SET status = 2 WHERE id = $1", refs[3].ID)
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

func TestStoreSavepointIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	box := newBox(t, boxrelay.BoxConfig{Name: "orders"})
	setupSchema(t, ctx, pool, box)

	store, err := postgres.NewStore(pool)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, pool, store, box,
		boxrelay.Entry{EventKey: boxrelay.Key("10"), EventName: "updated", Payload: []byte(`{}`)},
		boxrelay.Entry{EventKey: boxrelay.Key("10"), EventName: "updated", Payload: []byte(`{}`)},
	)
	_, err = pool.Exec(ctx, "UPDATE orders SET status = 2 WHERE id = $1", refs[1].ID)
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

	var errorsCount int
	require.NoError(t, pool.QueryRow(ctx, "SELECT errors_count FROM orders WHERE id = $1", refs[0].ID).Scan(&errorsCount))
	require.Equal(t, 1, errorsCount)
}

func TestCleanupIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	box := newBox(t, boxrelay.BoxConfig{Name: "orders", Retention: time.Hour})
	setupSchema(t, ctx, pool, box)

	store, err := postgres.NewStore(pool)
	require.NoError(t, err)
	refs := insertEntries(t, ctx, pool, store, box,
		boxrelay.Entry{Payload: []byte(`{"id":1}`)},
		boxrelay.Entry{Payload: []byte(`{"id":2}`)},
		boxrelay.Entry{Payload: []byte(`{"id":3}`)},
		boxrelay.Entry{Payload: []byte(`{"id":4}`)},
	)

	old := time.Now().Add(-2 * time.Hour)
	setStatus(t, ctx, pool, refs[0].ID, boxrelay.StatusDelivered, old)
	setStatus(t, ctx, pool, refs[1].ID, boxrelay.StatusDiscarded, old)
	setStatus(t, ctx, pool, refs[2].ID, boxrelay.StatusFailed, old)
	setStatus(t, ctx, pool, refs[3].ID, boxrelay.StatusDelivered, time.Now())

	maintainer, err := postgres.NewCleanupMaintainer(pool, postgres.CleanupMaintainerConfig{Boxes: []*boxrelay.Box{box}})
	require.NoError(t, err)
	results, err := maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, results["orders"].Delivered)
	require.EqualValues(t, 1, results["orders"].Discarded)
	require.EqualValues(t, 0, results["orders"].Failed)

	res, err := store.Cleanup(ctx, box, postgres.CleanupOptions{Before: time.Now().Add(-time.Hour), IncludeFailed: true})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Failed)

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM orders").Scan(&remaining))
	require.Equal(t, 1, remaining)
}

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	port := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "boxrelay",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:         fmt.Sprintf("postgres://postgres:secret@%s:%s/boxrelay?sslmode=disable", host, mappedPort.Port()),
		PingTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func newBox(t *testing.T, cfg boxrelay.BoxConfig, opts ...boxrelay.BoxOption) *boxrelay.Box {
	t.Helper()
	box, err := boxrelay.NewBox(cfg, opts...)
	require.NoError(t, err)
	return box
}

func setupSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool, box *boxrelay.Box) {
	t.Helper()
	schema, err := postgres.Schema(box.Table())
	require.NoError(t, err)
	_, err = pool.Exec(ctx, schema)
	require.NoError(t, err)
}

func insertEntries(t *testing.T, ctx context.Context, pool *pgxpool.Pool, store *postgres.Store, box *boxrelay.Box, entries ...boxrelay.Entry) []boxrelay.ItemRef {
	t.Helper()
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	refs, err := store.Enqueue(ctx, tx, box, entries...)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return refs
}

func setStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, id int64, status boxrelay.Status, updatedAt time.Time) {
	t.Helper()
	_, err := pool.Exec(ctx, "UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3", int16(status), updatedAt, id)
	require.NoError(t, err)
}
