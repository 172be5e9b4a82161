package wager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pricegrid/internal/model"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists the wallet in SQLite or Postgres. Every Apply runs in one
// transaction; on Postgres the touched rows are locked with FOR UPDATE.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens dsn with the driver for dialect, creates the schema and
// seeds the wallet row with initial if it does not exist yet.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string, initial float64) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer; transactions serialize on the single connection
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx, decimal.NewFromFloat(initial)); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context, initial decimal.Decimal) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	realType := "REAL"
	if s.dialect == DialectPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
		realType = "DOUBLE PRECISION"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallet (
			id      INTEGER PRIMARY KEY,
			balance TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stakes (
			id         ` + idColumn + `,
			box_key    TEXT NOT NULL UNIQUE,
			amount     ` + realType + ` NOT NULL,
			multiplier ` + realType + ` NOT NULL,
			status     TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind("INSERT INTO wallet (id, balance) VALUES (1, ?) ON CONFLICT (id) DO NOTHING"),
		initial.String())
	return err
}

// rebind turns ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) Apply(ctx context.Context, boxKey string, fn Mutation) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var cur Record
	if err := tx.QueryRowContext(ctx, "SELECT balance FROM wallet WHERE id = 1"+s.forUpdate()).
		Scan(&cur.Balance); err != nil {
		return Record{}, fmt.Errorf("read balance: %w", err)
	}

	var st model.Stake
	var status string
	err = tx.QueryRowContext(ctx,
		s.rebind("SELECT id, amount, multiplier, status FROM stakes WHERE box_key = ?"+s.forUpdate()), boxKey).
		Scan(&st.ID, &st.Amount, &st.Multiplier, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Record{}, fmt.Errorf("read stake %s: %w", boxKey, err)
	default:
		st.BoxKey = boxKey
		st.Status = model.StakeStatus(status)
		cur.Stake = &st
	}

	next, write, err := runMutation(fn, cur)
	if err != nil || !write {
		return next, err
	}

	if _, err := tx.ExecContext(ctx, s.rebind("UPDATE wallet SET balance = ? WHERE id = 1"), next.Balance.String()); err != nil {
		return Record{}, fmt.Errorf("write balance: %w", err)
	}
	if next.Stake != nil {
		out := *next.Stake
		out.BoxKey = boxKey
		if out.ID == 0 {
			err = tx.QueryRowContext(ctx,
				s.rebind("INSERT INTO stakes (box_key, amount, multiplier, status) VALUES (?, ?, ?, ?) RETURNING id"),
				boxKey, out.Amount, out.Multiplier, string(out.Status)).Scan(&out.ID)
		} else {
			_, err = tx.ExecContext(ctx,
				s.rebind("UPDATE stakes SET amount = ?, multiplier = ?, status = ? WHERE id = ?"),
				out.Amount, out.Multiplier, string(out.Status), out.ID)
		}
		if err != nil {
			return Record{}, fmt.Errorf("write stake %s: %w", boxKey, err)
		}
		next.Stake = &out
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLStore) Snapshot(ctx context.Context) (model.WalletState, error) {
	var balance decimal.Decimal
	if err := s.db.QueryRowContext(ctx, "SELECT balance FROM wallet WHERE id = 1").Scan(&balance); err != nil {
		return model.WalletState{}, fmt.Errorf("read balance: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, box_key, amount, multiplier, status FROM stakes ORDER BY id")
	if err != nil {
		return model.WalletState{}, fmt.Errorf("read stakes: %w", err)
	}
	defer rows.Close()

	stakes := make([]model.Stake, 0)
	for rows.Next() {
		var st model.Stake
		var status string
		if err := rows.Scan(&st.ID, &st.BoxKey, &st.Amount, &st.Multiplier, &status); err != nil {
			return model.WalletState{}, fmt.Errorf("scan stake: %w", err)
		}
		st.Status = model.StakeStatus(status)
		stakes = append(stakes, st)
	}
	if err := rows.Err(); err != nil {
		return model.WalletState{}, fmt.Errorf("read stakes: %w", err)
	}
	return model.WalletState{Balance: balance.InexactFloat64(), Stakes: stakes}, nil
}

func (s *SQLStore) Reset(ctx context.Context, balance decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM stakes"); err != nil {
		return fmt.Errorf("clear stakes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind("UPDATE wallet SET balance = ? WHERE id = 1"), balance.String()); err != nil {
		return fmt.Errorf("reset balance: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
