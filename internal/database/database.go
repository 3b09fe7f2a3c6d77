package database

import (
	"database/sql"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/mattn/go-sqlite3"
)

var logger = loggo.GetLogger("monitor-precos.database")

// DB encapsula a conexão com o banco de dados
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New cria uma nova instância do banco de dados
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, errors.Annotate(err, "abrindo sqlite")
	}
	// SQLite aceita um único escritor; uma conexão também mantém bancos :memory: vivos.
	conn.SetMaxOpenConns(1)

	db := NewWithConn(conn)
	if err := db.init(); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "criando tabelas")
	}

	logger.Infof("Banco de dados inicializado com sucesso (%s)", dbPath)
	return db, nil
}

// NewWithConn usa uma conexão já aberta, sem criar o esquema
func NewWithConn(conn *sql.DB) *DB {
	return &DB{
		conn: conn,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func dsn(path string) string {
	params := "_busy_timeout=5000&_foreign_keys=on"
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Close fecha a conexão com o banco de dados
func (db *DB) Close() error {
	return db.conn.Close()
}

// init cria as tabelas necessárias
func (db *DB) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS targets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			url TEXT,
			label TEXT,
			title TEXT NOT NULL DEFAULT '',
			brand TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			canonical_url TEXT NOT NULL DEFAULT '',
			current_price TEXT,
			currency TEXT NOT NULL DEFAULT '',
			adapter TEXT NOT NULL DEFAULT '',
			last_checked DATETIME,
			misses INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_targets_url ON targets(url) WHERE kind = 'product'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_targets_label ON targets(kind, label) WHERE kind <> 'product'`,
		`CREATE TABLE IF NOT EXISTS price_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id INTEGER NOT NULL REFERENCES targets(id),
			price TEXT NOT NULL,
			currency TEXT NOT NULL,
			observed_at INTEGER NOT NULL,
			source TEXT NOT NULL,
			evaluated INTEGER NOT NULL DEFAULT 0,
			UNIQUE(target_id, observed_at)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			target_id INTEGER NOT NULL REFERENCES targets(id),
			trigger_type TEXT NOT NULL,
			trigger_amount TEXT NOT NULL DEFAULT '0',
			trigger_percent TEXT NOT NULL DEFAULT '0',
			channel TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_owner ON subscriptions(owner_id)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subscription_id INTEGER NOT NULL REFERENCES subscriptions(id),
			target_id INTEGER NOT NULL REFERENCES targets(id),
			price_point_id INTEGER NOT NULL REFERENCES price_points(id),
			owner_id INTEGER NOT NULL,
			channel TEXT NOT NULL,
			old_price TEXT,
			new_price TEXT NOT NULL,
			currency TEXT NOT NULL,
			triggered_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			UNIQUE(subscription_id, price_point_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(status, subscription_id, triggered_at)`,
	}

	for _, stmt := range schema {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}

	// Bancos antigos não têm a coluna; os preços já gravados contam como avaliados
	if err := db.addColumn("price_points", "evaluated", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	_, err := db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_price_points_unevaluated ON price_points(target_id, observed_at) WHERE evaluated = 0`)
	return err
}

// addColumn acrescenta a coluna se a tabela ainda não a tiver
func (db *DB) addColumn(table, column, definition string) error {
	var n int
	if err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n); err != nil {
		return errors.Annotatef(err, "verificando coluna %s.%s", table, column)
	}
	if n > 0 {
		return nil
	}
	_, err := db.conn.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + definition)
	return errors.Annotatef(err, "adicionando coluna %s.%s", table, column)
}

// scanner é satisfeito por *sql.Row e *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NotFoundf(format, args...)
	}
	return errors.Trace(err)
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
