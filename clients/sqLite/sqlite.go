package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("account not found")
	ErrLocked   = errors.New("database is used by another bot instance")
)

// Account is one row of the accounts table. Empty strings stand for NULL.
type Account struct {
	UserID            int64
	PaymentID         string
	PaymentPlan       string
	EndDate           string
	AccessKey         string
	CreditedPaymentID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Fields selects the columns Upsert writes. A nil pointer leaves the column
// as is, a pointer to "" sets it to NULL.
type Fields struct {
	PaymentID         *string
	PaymentPlan       *string
	EndDate           *string
	AccessKey         *string
	CreditedPaymentID *string
}

func Value(s string) *string { return &s }

// Clear is the Fields value for a NULL column.
func Clear() *string { return Value("") }

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// New opens (or creates) the database at path and takes an exclusive
// advisory lock on path+".lock".
func New(path string) (*Store, error) {
	path = filepath.Clean(path)
	if strings.TrimSpace(path) == "" || path == "." {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock database: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, lock: lock}
	if err := s.initSchema(); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id INTEGER PRIMARY KEY,
		payment_id TEXT,
		payment_plan TEXT,
		end_date TEXT,
		access_key TEXT,
		credited_payment_id TEXT,
		created_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_end_date ON accounts(end_date);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init accounts schema: %w", err)
	}

	// databases created by the first bot version only have the four
	// original columns
	for _, column := range []string{"payment_plan", "credited_payment_id"} {
		if err := s.ensureColumn(column, "TEXT"); err != nil {
			return err
		}
	}
	for _, column := range []string{"created_at", "updated_at"} {
		if err := s.ensureColumn(column, "INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureColumn(name, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('accounts')`)
	if err != nil {
		return fmt.Errorf("inspect accounts schema: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var existing string
		if err := rows.Scan(&existing); err != nil {
			return fmt.Errorf("inspect accounts schema: %w", err)
		}
		if existing == name {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect accounts schema: %w", err)
	}
	rows.Close()

	if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE accounts ADD COLUMN %s %s`, name, decl)); err != nil {
		return fmt.Errorf("add column %s: %w", name, err)
	}
	log.Info().Str("column", name).Msg("accounts table migrated")
	return nil
}

func (s *Store) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
	}
	return errors.Join(errs...)
}

// Ensure inserts an empty row for userID unless one exists and reports
// whether it was created.
func (s *Store) Ensure(ctx context.Context, userID int64) (bool, error) {
	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, now, now)
	if err != nil {
		return false, fmt.Errorf("ensure account %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure account %d: %w", userID, err)
	}
	return n > 0, nil
}

const selectAccount = `SELECT user_id, payment_id, payment_plan, end_date, access_key, credited_payment_id, created_at, updated_at FROM accounts`

func (s *Store) Get(ctx context.Context, userID int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, selectAccount+` WHERE user_id = ?`, userID)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", userID, err)
	}
	return acc, nil
}

// Upsert writes the selected fields of one row in a single statement,
// creating the row when it does not exist yet.
func (s *Store) Upsert(ctx context.Context, userID int64, f Fields) error {
	cols := []string{"user_id", "created_at", "updated_at"}
	now := time.Now().UTC().Unix()
	args := []any{userID, now, now}
	updates := []string{"updated_at = excluded.updated_at"}

	add := func(column string, value *string) {
		if value == nil {
			return
		}
		cols = append(cols, column)
		args = append(args, nullIfEmpty(*value))
		updates = append(updates, column+" = excluded."+column)
	}
	add("payment_id", f.PaymentID)
	add("payment_plan", f.PaymentPlan)
	add("end_date", f.EndDate)
	add("access_key", f.AccessKey)
	add("credited_payment_id", f.CreditedPaymentID)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(
		`INSERT INTO accounts (%s) VALUES (%s) ON CONFLICT(user_id) DO UPDATE SET %s`,
		strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert account %d: %w", userID, err)
	}
	return nil
}

// ClearSubscription sets end_date and access_key of userID to NULL, but only
// while end_date still equals endDate. It reports whether the row changed.
func (s *Store) ClearSubscription(ctx context.Context, userID int64, endDate string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET end_date = NULL, access_key = NULL, updated_at = ? WHERE user_id = ? AND end_date = ?`,
		time.Now().UTC().Unix(), userID, endDate)
	if err != nil {
		return false, fmt.Errorf("clear subscription %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear subscription %d: %w", userID, err)
	}
	return n > 0, nil
}

// ListWithExpiry returns every account whose end_date is set.
func (s *Store) ListWithExpiry(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccount+` WHERE end_date IS NOT NULL AND end_date != '' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var acc Account
	var paymentID, plan, endDate, accessKey, credited sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&acc.UserID, &paymentID, &plan, &endDate, &accessKey, &credited, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	acc.PaymentID = paymentID.String
	acc.PaymentPlan = plan.String
	acc.EndDate = endDate.String
	acc.AccessKey = accessKey.String
	acc.CreditedPaymentID = credited.String
	acc.CreatedAt = time.Unix(createdAt, 0).UTC()
	acc.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &acc, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
