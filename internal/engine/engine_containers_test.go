package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxgraph/internal/testutil"
)

func TestPostgresEngine_OrderFlow(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, _ = db.Exec(`DROP TABLE IF EXISTS flow_contexts`)

	e, err := NewPostgresEngine(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	runOrderFlow(t, e)
}

func TestRedisEngine_OrderFlow(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.FlushDB(context.Background()).Err())

	e, err := NewRedisEngine(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	runOrderFlow(t, e)
}

func TestMongoEngine_OrderFlow(t *testing.T) {
	uri := testutil.GetMongoURI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := "fluxgraph_engine_test"
	require.NoError(t, client.Database(db).Drop(ctx))

	e, err := NewMongoEngine(client, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	runOrderFlow(t, e)
}
