package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"alphatilt/internal/domain"
)

// Compile-time interface checks.
var _ PanelStore = (*ParquetStore)(nil)
var _ PanelWriter = (*ParquetStore)(nil)

// ParquetStore implements PanelStore and PanelWriter using one Parquet file
// per panel table on disk. The long factor table is derived from the panel
// file on read.
type ParquetStore struct {
	DataDir     string
	PanelTable  string
	FactorTable string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir, panelTable, factorTable string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, PanelTable: panelTable, FactorTable: factorTable}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// PanelRecord is the Parquet schema for one panel observation.
type PanelRecord struct {
	Date          int64              `parquet:"date,timestamp(millisecond)"` // Unix ms, month end
	Ticker        string             `parquet:"ticker"`
	Return        float64            `parquet:"return"`
	ForwardReturn float64            `parquet:"t_plus_3_return"`
	EstimatedVol  float64            `parquet:"estimated_vol"`
	IndexWeight   float64            `parquet:"index_weight"`
	Sector        string             `parquet:"sector"`
	Factors       map[string]float64 `parquet:"factors"`
}

func recordFromRow(r domain.PanelRow) PanelRecord {
	return PanelRecord{
		Date:          r.Date.UnixMilli(),
		Ticker:        r.Ticker,
		Return:        r.RealizedReturn,
		ForwardReturn: r.ForwardReturn,
		EstimatedVol:  r.EstimatedVol,
		IndexWeight:   r.IndexWeight,
		Sector:        r.Sector,
		Factors:       r.Factors,
	}
}

func (r PanelRecord) row() domain.PanelRow {
	return domain.PanelRow{
		Date:           time.UnixMilli(r.Date).UTC(),
		Ticker:         r.Ticker,
		RealizedReturn: r.Return,
		ForwardReturn:  r.ForwardReturn,
		EstimatedVol:   r.EstimatedVol,
		IndexWeight:    r.IndexWeight,
		Sector:         r.Sector,
		Factors:        r.Factors,
	}
}

// ReadPanelFile reads a panel Parquet file and returns its rows together
// with the sorted union of factor names.
func ReadPanelFile(path string) ([]domain.PanelRow, []string, error) {
	records, err := readParquetFile[PanelRecord](path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	rows := make([]domain.PanelRow, len(records))
	for i, r := range records {
		rows[i] = r.row()
	}
	return rows, factorUnion(records), nil
}

// WritePanelFile writes rows to a panel Parquet file, replacing it.
func WritePanelFile(path string, rows []domain.PanelRow) error {
	records := make([]PanelRecord, len(rows))
	for i, r := range rows {
		records[i] = recordFromRow(r)
	}
	return writeParquetFile(path, records)
}

// ---------------------------------------------------------------------------
// PanelStore implementation
// ---------------------------------------------------------------------------

// Ping checks that the data directory exists.
func (s *ParquetStore) Ping(_ context.Context) error {
	_, err := os.Stat(s.DataDir)
	return err
}

// ValidateDates checks each date against the min/max date in the file.
func (s *ParquetStore) ValidateDates(_ context.Context, table string, dates []time.Time) ([]bool, domain.DateBounds, error) {
	if err := s.checkTable(table); err != nil {
		return nil, domain.DateBounds{}, err
	}
	records, err := s.load()
	if err != nil {
		return nil, domain.DateBounds{}, err
	}
	if len(records) == 0 {
		return nil, domain.DateBounds{}, fmt.Errorf("table %s is empty", table)
	}

	minMs, maxMs := records[0].Date, records[0].Date
	for _, r := range records[1:] {
		minMs = min(minMs, r.Date)
		maxMs = max(maxMs, r.Date)
	}
	bounds := domain.DateBounds{
		MinDate: time.UnixMilli(minMs).UTC(),
		MaxDate: time.UnixMilli(maxMs).UTC(),
	}

	valid := make([]bool, len(dates))
	for i, d := range dates {
		valid[i] = bounds.Contains(d)
	}
	return valid, bounds, nil
}

// FetchPanel returns the panel rows that pass the query filter.
func (s *ParquetStore) FetchPanel(_ context.Context, table string, q Query) (*domain.PanelData, error) {
	if table != s.PanelTable {
		return nil, &domain.UnknownTableError{Table: table}
	}
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	tickers := tickerSet(q.Tickers)

	out := &domain.PanelData{FactorColumns: factorUnion(records)}
	for _, r := range records {
		row := r.row()
		if !inQuery(q, row.Date, row.Ticker, tickers) {
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// FetchRecords returns wide rows for the panel table, or exploded
// (date, ticker, factor, value) rows for the factor table.
func (s *ParquetStore) FetchRecords(_ context.Context, table string, q Query) ([]Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	tickers := tickerSet(q.Tickers)

	var out []Record
	for _, r := range records {
		row := r.row()
		if !inQuery(q, row.Date, row.Ticker, tickers) {
			continue
		}
		date := row.Date.Format(domain.DateLayout)

		if table == s.FactorTable {
			for _, f := range sortedKeys(r.Factors) {
				out = append(out, Record{ColDate: date, ColTicker: r.Ticker, ColFactor: f, ColValue: r.Factors[f]})
			}
			continue
		}

		rec := Record{
			ColDate:          date,
			ColTicker:        r.Ticker,
			ColReturn:        r.Return,
			ColForwardReturn: r.ForwardReturn,
			ColEstimatedVol:  r.EstimatedVol,
			ColIndexWeight:   r.IndexWeight,
			ColSector:        r.Sector,
		}
		for f, v := range r.Factors {
			rec[f] = v
		}
		out = append(out, rec)
	}
	sortRecordsByDate(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// PanelWriter implementation
// ---------------------------------------------------------------------------

// Migrate validates factor names and creates the data directory. Parquet
// files carry their own schema.
func (s *ParquetStore) Migrate(_ context.Context, factors []string) error {
	if err := validateFactors(factors); err != nil {
		return err
	}
	return os.MkdirAll(s.DataDir, 0o755)
}

// WritePanel merges rows into the panel file, replacing existing rows with
// the same (date, ticker).
func (s *ParquetStore) WritePanel(_ context.Context, factors []string, rows []domain.PanelRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := validateFactors(factors); err != nil {
		return err
	}

	incoming := make([]PanelRecord, len(rows))
	for i, r := range rows {
		rec := recordFromRow(r)
		rec.Factors = make(map[string]float64, len(factors))
		for _, f := range factors {
			rec.Factors[f] = r.Factors[f]
		}
		incoming[i] = rec
	}

	existing, err := s.load()
	if err != nil {
		return err
	}
	merged := mergePanelRecords(existing, incoming)

	if err := writeParquetFile(s.path(), merged); err != nil {
		return fmt.Errorf("writing %s: %w", s.PanelTable, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *ParquetStore) checkTable(table string) error {
	if table != s.PanelTable && table != s.FactorTable {
		return &domain.UnknownTableError{Table: table}
	}
	return nil
}

// path returns the filesystem path of the panel file.
// Layout: <DataDir>/<panel_table>.parquet
func (s *ParquetStore) path() string {
	return filepath.Join(s.DataDir, s.PanelTable+".parquet")
}

// load reads the panel file; a missing file is an empty table.
func (s *ParquetStore) load() ([]PanelRecord, error) {
	records, err := readParquetFile[PanelRecord](s.path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.PanelTable, err)
	}
	return records, nil
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergePanelRecords deduplicates records by (date, ticker), preferring
// incoming records. Results are sorted by date, then ticker.
func mergePanelRecords(existing, incoming []PanelRecord) []PanelRecord {
	type key struct {
		ts     int64
		ticker string
	}
	seen := make(map[key]PanelRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Date, r.Ticker}] = r
	}
	for _, r := range incoming {
		seen[key{r.Date, r.Ticker}] = r
	}

	merged := make([]PanelRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Date != merged[j].Date {
			return merged[i].Date < merged[j].Date
		}
		return merged[i].Ticker < merged[j].Ticker
	})
	return merged
}

func factorUnion(records []PanelRecord) []string {
	set := make(map[string]float64)
	for _, r := range records {
		for f := range r.Factors {
			set[f] = 0
		}
	}
	return sortedKeys(set)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func tickerSet(tickers []string) map[string]bool {
	if len(tickers) == 0 {
		return nil
	}
	set := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		set[t] = true
	}
	return set
}
