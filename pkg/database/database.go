package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"proxy-allocator/pkg/models"
)

type DB struct {
	*bun.DB
}

// DSN builds the postgres connection string from the database section of v.
func DSN(v *viper.Viper) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(v.GetString("database.user"), v.GetString("database.password")),
		Host:     v.GetString("database.host") + ":" + strconv.Itoa(v.GetInt("database.port")),
		Path:     "/" + v.GetString("database.dbname"),
		RawQuery: "sslmode=" + url.QueryEscape(v.GetString("database.sslmode")),
	}
	return u.String()
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
}

func NewDB(v *viper.Viper) (*DB, error) {
	SetDefaults(v)
	return Open(DSN(v))
}

func Open(dsn string) (*DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the proxies and allocations tables if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	for _, model := range []interface{}{
		(*models.ProxyDescriptor)(nil),
		(*models.Allocation)(nil),
	} {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS allocations_batch_id_idx ON allocations (batch_id);
		CREATE INDEX IF NOT EXISTS allocations_ip_idx ON allocations (ip);
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}
