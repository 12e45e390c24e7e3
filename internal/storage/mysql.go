package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"

	"chronod/pkg/logx"
)

const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name:      "mysql",
	forUpdate: "FOR UPDATE",
	isDuplicate: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
	},
}

// mysqlConnector normalizes the DSN: RowsAffected must count matched rows
// (UpdateJob with unchanged values is not "not found").
func mysqlConnector(dsn string) (*mysql.Config, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	mc.ClientFoundRows = true
	mc.ParseTime = false
	if mc.Params == nil {
		mc.Params = map[string]string{}
	}
	if _, ok := mc.Params["charset"]; !ok {
		mc.Params["charset"] = "utf8mb4"
	}
	return mc, nil
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for mysql driver")
	}
	mc, err := mysqlConnector(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db := sql.OpenDB(conn)
	applyPool(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return openSQL(ctx, db, mysqlDialect, cfg, log)
}
