// Package sqlite exposes a SQLite database to scripts. Statements run on
// the worker pool and their results settle promises on the engine thread.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cryguy/napi"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// DB is a SQLite database shared by the scripts of one environment.
type DB struct {
	db *sql.DB
}

// ExecResult describes the effect of a statement that returns no rows.
type ExecResult struct {
	Changes   int64 `json:"changes"`
	LastRowID int64 `json:"lastRowId"`
}

// Open opens (or creates) the database at dsn. ":memory:" gives a private
// in-memory database.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", dsn, err)
	}
	if dsn == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// checkStatement rejects statements that could reach outside the database.
func checkStatement(query string) error {
	upper := strings.ToUpper(strings.TrimSpace(query))
	for _, blocked := range []string{"ATTACH", "DETACH"} {
		if strings.HasPrefix(upper, blocked) {
			return fmt.Errorf("sqlite: %s statements are not allowed", blocked)
		}
	}
	return nil
}

// Query runs a statement that returns rows. Each row becomes a map keyed
// by column name; BLOB and TEXT columns are returned as strings.
func (d *DB) Query(query string, params []any) ([]map[string]any, error) {
	if err := checkStatement(query); err != nil {
		return nil, err
	}
	rows, err := d.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query error: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading columns: %w", err)
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite: scanning row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating rows: %w", err)
	}
	return out, nil
}

// Exec runs a statement that returns no rows.
func (d *DB) Exec(query string, params []any) (ExecResult, error) {
	if err := checkStatement(query); err != nil {
		return ExecResult{}, err
	}
	res, err := d.db.Exec(query, params...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sqlite: exec error: %w", err)
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return ExecResult{Changes: changes, LastRowID: lastID}, nil
}

const sqliteJS = `
(function() {
	function call(fn, sql, params) {
		var d = __napi.defer();
		try {
			fn(d.id, String(sql), JSON.stringify(params || []));
		} catch (e) {
			__napi.settle(d.id, String(e && e.message || e), null);
		}
		return d.promise;
	}
	globalThis.sqlite = {
		query: function(sql, params) { return call(__sqlite_query, sql, params); },
		exec: function(sql, params) { return call(__sqlite_exec, sql, params); },
	};
})();
`

// Setup installs the sqlite global backed by db. Engine thread only.
func Setup(env *napi.Env, db *DB) error {
	rt := env.Runtime()
	if err := rt.RegisterFunc("__sqlite_query", func(id int, query, paramsJSON string) error {
		params, err := decodeParams(paramsJSON)
		if err != nil {
			return err
		}
		return queue(env, "sqlite.query", id, func() (any, error) {
			return db.Query(query, params)
		})
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__sqlite_exec", func(id int, query, paramsJSON string) error {
		params, err := decodeParams(paramsJSON)
		if err != nil {
			return err
		}
		return queue(env, "sqlite.exec", id, func() (any, error) {
			return db.Exec(query, params)
		})
	}); err != nil {
		return err
	}
	return rt.Eval(sqliteJS)
}

func decodeParams(paramsJSON string) ([]any, error) {
	var params []any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return nil, fmt.Errorf("sqlite: decoding parameters: %w", err)
	}
	return params, nil
}

func queue(env *napi.Env, name string, id int, work napi.PromiseWork) error {
	if st := napi.QueuePromiseWork(env, name, id, work); st != napi.StatusOK {
		info, _ := napi.GetLastErrorInfo(env)
		return fmt.Errorf("%s: %s %s", name, st, info.Message)
	}
	return nil
}
