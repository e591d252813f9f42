package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"dumende-payments/models"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS payment_attempts (
		session_id TEXT NOT NULL,
		booking_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, booking_id)
	);

	CREATE TABLE IF NOT EXISTS callback_markers (
		session_id TEXT NOT NULL,
		booking_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, booking_id, payment_id)
	);

	CREATE INDEX IF NOT EXISTS idx_payment_attempts_created ON payment_attempts(created_at);
	CREATE INDEX IF NOT EXISTS idx_callback_markers_sent ON callback_markers(sent_at);
`

// SQLLedger stores the ledger in SQLite or PostgreSQL. Queries are written
// with '?' placeholders and rebound for postgres.
type SQLLedger struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite ledger at path
func OpenSQLite(path string) (*SQLLedger, error) {
	if path != ":memory:" {
		if strings.HasPrefix(path, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(home, path[1:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	return &SQLLedger{db: db, now: time.Now}, nil
}

// OpenPostgres connects to dsn and applies the embedded migrations
func OpenPostgres(dsn string) (*SQLLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	if err := migratePostgres(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLLedger{db: db, postgres: true, now: time.Now}, nil
}

func migratePostgres(db *sql.DB) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("load ledger migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run ledger migrations: %w", err)
	}
	return nil
}

// rebind turns '?' placeholders into $n for postgres
func (l *SQLLedger) rebind(query string) string {
	if !l.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *SQLLedger) SaveAttempt(ctx context.Context, session string, attempt models.PaymentAttempt) error {
	if err := validateAttempt(attempt); err != nil {
		return err
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = l.now()
	}

	query := l.rebind(`
		INSERT INTO payment_attempts (session_id, booking_id, payment_id, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, booking_id) DO UPDATE SET
			payment_id = excluded.payment_id,
			conversation_id = excluded.conversation_id,
			created_at = excluded.created_at
	`)
	_, err := l.db.ExecContext(ctx, query,
		session,
		attempt.BookingID,
		attempt.PaymentID,
		attempt.ConversationID,
		attempt.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save attempt for booking %s: %w", attempt.BookingID, err)
	}
	return nil
}

func (l *SQLLedger) Attempt(ctx context.Context, session, bookingID string) (models.PaymentAttempt, error) {
	query := l.rebind(`
		SELECT booking_id, payment_id, conversation_id, created_at
		FROM payment_attempts
		WHERE session_id = ? AND booking_id = ?
	`)
	var attempt models.PaymentAttempt
	err := l.db.QueryRowContext(ctx, query, session, bookingID).Scan(
		&attempt.BookingID,
		&attempt.PaymentID,
		&attempt.ConversationID,
		&attempt.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PaymentAttempt{}, ErrNotFound
		}
		return models.PaymentAttempt{}, fmt.Errorf("get attempt for booking %s: %w", bookingID, err)
	}
	return attempt, nil
}

func (l *SQLLedger) CloseAttempt(ctx context.Context, session, bookingID, paymentID string) error {
	query := l.rebind(`DELETE FROM payment_attempts WHERE session_id = ? AND booking_id = ? AND payment_id = ?`)
	if _, err := l.db.ExecContext(ctx, query, session, bookingID, paymentID); err != nil {
		return fmt.Errorf("close attempt %s: %w", paymentID, err)
	}
	return nil
}

func (l *SQLLedger) MarkCallbackSent(ctx context.Context, session, bookingID, paymentID string) (bool, error) {
	query := l.rebind(`
		INSERT INTO callback_markers (session_id, booking_id, payment_id, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, booking_id, payment_id) DO NOTHING
	`)
	res, err := l.db.ExecContext(ctx, query, session, bookingID, paymentID, l.now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark callback sent for %s: %w", paymentID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark callback sent for %s: %w", paymentID, err)
	}
	return rows == 1, nil
}

func (l *SQLLedger) CallbackSent(ctx context.Context, session, bookingID, paymentID string) (bool, error) {
	query := l.rebind(`
		SELECT COUNT(1) FROM callback_markers
		WHERE session_id = ? AND booking_id = ? AND payment_id = ?
	`)
	var n int
	if err := l.db.QueryRowContext(ctx, query, session, bookingID, paymentID).Scan(&n); err != nil {
		return false, fmt.Errorf("check callback marker for %s: %w", paymentID, err)
	}
	return n > 0, nil
}

func (l *SQLLedger) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var removed int64
	for _, query := range []string{
		`DELETE FROM payment_attempts WHERE created_at < ?`,
		`DELETE FROM callback_markers WHERE sent_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, l.rebind(query), cutoff.UTC())
		if err != nil {
			return 0, fmt.Errorf("sweep ledger: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("sweep ledger: %w", err)
		}
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sweep ledger: %w", err)
	}
	return removed, nil
}

func (l *SQLLedger) Close() error {
	return l.db.Close()
}

// Open picks the ledger backend by driver name
func Open(driver, dsn string) (Ledger, error) {
	switch driver {
	case "memory":
		return NewMemoryLedger(), nil
	case "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}
