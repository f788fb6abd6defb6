package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver.
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"alphatilt/internal/domain"
)

// Compile-time interface checks.
var _ PanelStore = (*SQLStore)(nil)
var _ PanelWriter = (*SQLStore)(nil)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLOptions configures an SQLStore.
type SQLOptions struct {
	PanelTable   string
	FactorTable  string
	MaxOpenConns int
	QueryTimeout time.Duration
}

// SQLStore implements PanelStore and PanelWriter over a relational database
// holding one wide panel table (date × ticker with one column per factor)
// and one long factor table (date × ticker × factor).
type SQLStore struct {
	db          *sqlx.DB
	panelTable  string
	factorTable string
	timeout     time.Duration
}

// NewSQLStore opens a database through the named driver ("postgres" or
// "sqlite") and returns a ready-to-use SQLStore. The connection is not
// verified; call Ping.
func NewSQLStore(driver, dsn string, opts SQLOptions) (*SQLStore, error) {
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if !ValidIdentifier(opts.PanelTable) || !ValidIdentifier(opts.FactorTable) {
		return nil, fmt.Errorf("invalid table names %q, %q", opts.PanelTable, opts.FactorTable)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if driver == "sqlite" {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 30 * time.Second
	}

	return &SQLStore{
		db:          db,
		panelTable:  opts.PanelTable,
		factorTable: opts.FactorTable,
		timeout:     opts.QueryTimeout,
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLStore) checkTable(table string) error {
	if table != s.panelTable && table != s.factorTable {
		return &domain.UnknownTableError{Table: table}
	}
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}

// ---------------------------------------------------------------------------
// PanelStore implementation
// ---------------------------------------------------------------------------

// ValidateDates checks each date against the table's min/max date.
func (s *SQLStore) ValidateDates(ctx context.Context, table string, dates []time.Time) ([]bool, domain.DateBounds, error) {
	if err := s.checkTable(table); err != nil {
		return nil, domain.DateBounds{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT MIN(%s), MAX(%s) FROM %s`, quote(ColDate), quote(ColDate), quote(table))

	var minRaw, maxRaw any
	if err := s.db.QueryRowxContext(ctx, query).Scan(&minRaw, &maxRaw); err != nil {
		return nil, domain.DateBounds{}, fmt.Errorf("querying date bounds of %s: %w", table, err)
	}
	if minRaw == nil || maxRaw == nil {
		return nil, domain.DateBounds{}, fmt.Errorf("table %s is empty", table)
	}

	var (
		bounds domain.DateBounds
		err    error
	)
	if bounds.MinDate, err = toDate(minRaw); err != nil {
		return nil, bounds, fmt.Errorf("min date of %s: %w", table, err)
	}
	if bounds.MaxDate, err = toDate(maxRaw); err != nil {
		return nil, bounds, fmt.Errorf("max date of %s: %w", table, err)
	}

	valid := make([]bool, len(dates))
	for i, d := range dates {
		valid[i] = bounds.Contains(d)
	}
	return valid, bounds, nil
}

// FetchPanel reads the wide panel table between the query bounds.
func (s *SQLStore) FetchPanel(ctx context.Context, table string, q Query) (*domain.PanelData, error) {
	if table != s.panelTable {
		return nil, &domain.UnknownTableError{Table: table}
	}
	cols, recs, err := s.selectRecords(ctx, table, q)
	if err != nil {
		return nil, err
	}
	return panelFromRecords(cols, recs)
}

// FetchRecords reads raw rows from either table, ordered by date.
func (s *SQLStore) FetchRecords(ctx context.Context, table string, q Query) ([]Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	_, recs, err := s.selectRecords(ctx, table, q)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		normalizeRecord(r)
	}
	return recs, nil
}

func (s *SQLStore) selectRecords(ctx context.Context, table string, q Query) ([]string, []Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		conds []string
		args  []any
	)
	if q.Start != nil {
		conds = append(conds, quote(ColDate)+" >= ?")
		args = append(args, q.Start.Format(domain.DateLayout))
	}
	if q.End != nil {
		conds = append(conds, quote(ColDate)+" <= ?")
		args = append(args, q.End.Format(domain.DateLayout))
	}
	if len(q.Tickers) > 0 {
		conds = append(conds, quote(ColTicker)+" IN (?)")
		args = append(args, q.Tickers)
	}

	query := "SELECT * FROM " + quote(table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s, %s", quote(ColDate), quote(ColTicker))

	if len(q.Tickers) > 0 {
		var err error
		if query, args, err = sqlx.In(query, args...); err != nil {
			return nil, nil, fmt.Errorf("expanding ticker list: %w", err)
		}
	}
	query = s.db.Rebind(query)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}

	var recs []Record
	for rows.Next() {
		rec := make(map[string]any, len(cols))
		if err := rows.MapScan(rec); err != nil {
			return nil, nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		recs = append(recs, Record(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return cols, recs, nil
}

// ---------------------------------------------------------------------------
// PanelWriter implementation
// ---------------------------------------------------------------------------

// Migrate creates the panel and factor tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context, factors []string) error {
	if err := validateFactors(factors); err != nil {
		return err
	}

	cols := []string{
		quote(ColDate) + " DATE NOT NULL",
		quote(ColTicker) + " TEXT NOT NULL",
		quote(ColReturn) + " DOUBLE PRECISION",
		quote(ColForwardReturn) + " DOUBLE PRECISION",
		quote(ColEstimatedVol) + " DOUBLE PRECISION",
		quote(ColIndexWeight) + " DOUBLE PRECISION",
		quote(ColSector) + " TEXT",
	}
	for _, f := range factors {
		cols = append(cols, quote(f)+" DOUBLE PRECISION")
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s, %s)", quote(ColDate), quote(ColTicker)))

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(s.panelTable), strings.Join(cols, ", ")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s DATE NOT NULL, %s TEXT NOT NULL, %s TEXT NOT NULL, %s DOUBLE PRECISION, PRIMARY KEY (%s, %s, %s))`,
			quote(s.factorTable),
			quote(ColDate), quote(ColTicker), quote(ColFactor), quote(ColValue),
			quote(ColDate), quote(ColTicker), quote(ColFactor)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

// WritePanel inserts rows into the panel table and their factor values into
// the long factor table inside one transaction.
func (s *SQLStore) WritePanel(ctx context.Context, factors []string, rows []domain.PanelRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := validateFactors(factors); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cols := []string{ColDate, ColTicker, ColReturn, ColForwardReturn, ColEstimatedVol, ColIndexWeight, ColSector}
	cols = append(cols, factors...)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	panelStmt, err := tx.PreparexContext(ctx, tx.Rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)", quote(s.panelTable), strings.Join(quoted, ", "), placeholders)))
	if err != nil {
		return fmt.Errorf("preparing panel insert: %w", err)
	}
	defer panelStmt.Close()

	factorStmt, err := tx.PreparexContext(ctx, tx.Rebind(fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s, %s) VALUES (?, ?, ?, ?)",
		quote(s.factorTable), quote(ColDate), quote(ColTicker), quote(ColFactor), quote(ColValue))))
	if err != nil {
		return fmt.Errorf("preparing factor insert: %w", err)
	}
	defer factorStmt.Close()

	for _, r := range rows {
		date := r.Date.Format(domain.DateLayout)
		args := []any{date, r.Ticker, r.RealizedReturn, r.ForwardReturn, r.EstimatedVol, r.IndexWeight, r.Sector}
		for _, f := range factors {
			args = append(args, r.Factors[f])
		}
		if _, err := panelStmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting %s/%s: %w", r.Ticker, date, err)
		}
		for _, f := range factors {
			if _, err := factorStmt.ExecContext(ctx, date, r.Ticker, f, r.Factors[f]); err != nil {
				return fmt.Errorf("inserting factor %s for %s/%s: %w", f, r.Ticker, date, err)
			}
		}
	}

	return tx.Commit()
}
