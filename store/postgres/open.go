package postgres

import (
	"context"
	"database/sql"
	"sort"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/lib/pq"
	sqldblogger "github.com/simukti/sqldb-logger"
)

// Open connects to the database at dsn. Every statement is logged at debug
// level, and failed statements at error level, to logger. No connection is
// made until the first statement.
func Open(dsn string, logger log.Logger) (*sql.DB, error) {
	return sqldblogger.OpenDriver(dsn, &pq.Driver{}, NewSQLLogger(logger)), nil
}

// NewSQLLogger adapts a go-kit logger to the sqldb-logger interface.
func NewSQLLogger(logger log.Logger) sqldblogger.Logger {
	return loggerFunc(func(_ context.Context, lvl sqldblogger.Level, msg string, data map[string]interface{}) {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		keyvals := make([]interface{}, 0, 2+2*len(keys))
		keyvals = append(keyvals, "msg", msg)
		for _, k := range keys {
			keyvals = append(keyvals, k, data[k])
		}
		switch lvl {
		case sqldblogger.LevelError:
			level.Error(logger).Log(keyvals...)
		default:
			level.Debug(logger).Log(keyvals...)
		}
	})
}

type loggerFunc func(ctx context.Context, level sqldblogger.Level, msg string, data map[string]interface{})

func (l loggerFunc) Log(ctx context.Context, level sqldblogger.Level, msg string, data map[string]interface{}) {
	l(ctx, level, msg, data)
}
