//nolint:errcheck // testsetup
package tcpostgres

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/db/migrate"
	database "github.com/mpapenbr/runsession/pkg/db/postgres"
)

// create a pg connection pool for the runsession testdatabase
func SetupTestDb() *pgxpool.Pool {
	ctx := context.Background()
	port, err := nat.NewPort("tcp", "5432")
	if err != nil {
		log.Fatal("invalid port", log.ErrorField(err))
	}
	container, err := SetupPostgres(ctx,
		WithPort(port.Port()),
		WithInitialDatabase("postgres", "password", "postgres"),
		WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		WithName("runsession-test"),
	)
	if err != nil {
		log.Fatal("cannot start postgres container", log.ErrorField(err))
	}
	containerPort, _ := container.MappedPort(ctx, port)
	host, _ := container.Host(ctx)
	dbUrl := fmt.Sprintf("postgresql://postgres:password@%s:%s/postgres",
		host, containerPort.Port())

	return migrateAndConnect(dbUrl)
}

// SetupExternalTestDb uses the database referenced by TESTDB_URL
func SetupExternalTestDb() *pgxpool.Pool {
	return migrateAndConnect(os.Getenv("TESTDB_URL"))
}

func migrateAndConnect(dbUrl string) *pgxpool.Pool {
	if err := migrate.MigrateDb(dbUrl); err != nil {
		log.Fatal("cannot migrate test database", log.ErrorField(err))
	}
	return database.InitWithUrl(dbUrl)
}

func ClearRouteTable(pool *pgxpool.Pool) {
	pool.Exec(context.Background(), "delete from route")
}

func ClearSessionTable(pool *pgxpool.Pool) {
	pool.Exec(context.Background(), "delete from session")
}

func ClearAllTables(pool *pgxpool.Pool) {
	ClearRouteTable(pool)
	ClearSessionTable(pool)
}
