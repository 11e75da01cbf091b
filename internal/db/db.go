package db

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// ConnectDB opens the Postgres connection via the bun pgdriver connector.
func ConnectDB(dsn, password string) (*sql.DB, error) {
	return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn), pgdriver.WithPassword(password))), nil
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

var allModels = []interface{}{
	(*Session)(nil),
	(*Page)(nil),
	(*RecursiveChunk)(nil),
	(*AgenticChunk)(nil),
	(*Embedding)(nil),
	(*Question)(nil),
	(*EvaluationResult)(nil),
	(*WerResult)(nil),
}

// InitTables creates all tables if they do not exist.
func InitTables(ctx context.Context, db *bun.DB) error {
	for _, m := range allModels {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
