//go:build integration

package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mariadb"
	"github.com/testcontainers/testcontainers-go/modules/mssql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gandaldf/sqltpl"
)

type backend struct {
	dialect string
	dsn     func(t *testing.T, ctx context.Context) string
	ddl     string
}

var backends = []backend{
	{
		dialect: "postgres",
		ddl:     "CREATE TABLE members (id INT PRIMARY KEY, name VARCHAR(64) NOT NULL, team VARCHAR(32))",
		dsn: func(t *testing.T, ctx context.Context) string {
			c, err := postgres.Run(ctx,
				"docker.io/postgres:16-alpine",
				postgres.WithDatabase("sqltpl_test"),
				postgres.WithUsername("test"),
				postgres.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(30*time.Second),
				),
			)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Terminate(context.Background()) })
			dsn, err := c.ConnectionString(ctx, "sslmode=disable")
			require.NoError(t, err)
			return dsn
		},
	},
	{
		dialect: "mysql",
		ddl:     "CREATE TABLE members (id INT PRIMARY KEY, name VARCHAR(64) NOT NULL, team VARCHAR(32))",
		dsn: func(t *testing.T, ctx context.Context) string {
			c, err := mariadb.Run(ctx,
				"docker.io/mariadb:11",
				mariadb.WithDatabase("sqltpl_test"),
				mariadb.WithUsername("test"),
				mariadb.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("mariadbd: ready for connections").
						WithStartupTimeout(60*time.Second),
				),
			)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Terminate(context.Background()) })
			dsn, err := c.ConnectionString(ctx)
			require.NoError(t, err)
			return dsn
		},
	},
	{
		dialect: "sqlserver",
		ddl:     "CREATE TABLE members (id INT PRIMARY KEY, name NVARCHAR(64) NOT NULL, team NVARCHAR(32))",
		dsn: func(t *testing.T, ctx context.Context) string {
			c, err := mssql.Run(ctx,
				"mcr.microsoft.com/mssql/server:2022-latest",
				mssql.WithAcceptEULA(),
				mssql.WithPassword("Test@12345"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("SQL Server is now ready for client connections").
						WithStartupTimeout(120*time.Second),
				),
			)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Terminate(context.Background()) })
			dsn, err := c.ConnectionString(ctx)
			require.NoError(t, err)
			return dsn
		},
	},
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration tests need docker")
	}
	for _, b := range backends {
		t.Run(b.dialect, func(t *testing.T) {
			ctx := context.Background()
			d, err := Open(ctx, Config{
				Dialect:        b.dialect,
				DSN:            b.dsn(t, ctx),
				Pool:           PoolConfig{MaxOpen: 4},
				ConnectTimeout: time.Minute,
			}, WithLogger(quietLogger()))
			require.NoError(t, err)
			defer d.Close()

			_, err = d.Execute(ctx, b.ddl)
			require.NoError(t, err)

			rows := []sqltpl.P{
				{"id": 1, "name": "ann", "team": "red"},
				{"id": 2, "name": "bob", "team": "blue"},
				{"id": 3, "name": "cid", "team": "red"},
			}
			for _, r := range rows {
				_, err := d.Execute(ctx, "INSERT INTO members (id, name, team) VALUES (:id, :name, :team)", r)
				require.NoError(t, err)
			}

			var names []string
			require.NoError(t, d.QueryColumn(ctx, &names,
				"SELECT name FROM members WHERE team IN :teams {{ AND id > :after }} ORDER BY id",
				sqltpl.P{"teams": []string{"red"}, "after": 1}))
			assert.Equal(t, []string{"cid"}, names)

			require.NoError(t, d.QueryColumn(ctx, &names, "SELECT name FROM members WHERE team IN :teams ORDER BY id",
				sqltpl.P{"teams": []string{}}))
			assert.Empty(t, names)

			require.NoError(t, d.QueryColumn(ctx, &names, "SELECT name FROM members ORDER BY id PAGINATE :page",
				sqltpl.P{"page": sqltpl.Pagination{Limit: 1, Offset: 1}}))
			assert.Equal(t, []string{"bob"}, names)

			require.NoError(t, d.Begin(ctx))
			_, err = d.Execute(ctx, "DELETE FROM members WHERE id = ?", 1)
			require.NoError(t, err)
			require.NoError(t, d.Begin(ctx))
			_, err = d.Execute(ctx, "DELETE FROM members WHERE id = ?", 2)
			require.NoError(t, err)
			require.NoError(t, d.Rollback(ctx))
			require.NoError(t, d.Commit(ctx))

			var n int
			require.NoError(t, d.QueryValue(ctx, &n, "SELECT COUNT(*) FROM members"))
			assert.Equal(t, 2, n)
		})
	}
}
