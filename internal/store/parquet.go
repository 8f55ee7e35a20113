package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"levelx/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ FillStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and FillStore using Parquet files on
// disk, one file per contract (or account) and UTC day.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for intraday bars.
type BarRecord struct {
	Contract  string  `parquet:"contract"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// FillRecord is the Parquet schema for executions.
type FillRecord struct {
	TradeID    int64   `parquet:"trade_id"`
	OrderID    int64   `parquet:"order_id"`
	AccountID  int64   `parquet:"account_id"`
	Contract   string  `parquet:"contract"`
	Side       int32   `parquet:"side"`
	Price      float64 `parquet:"price"`
	Size       int32   `parquet:"size"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	RealizedPL float64 `parquet:"realized_pl"`
	Fees       float64 `parquet:"fees"`
	Voided     bool    `parquet:"voided"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files organized by contract and UTC day:
//
//	<DataDir>/bars/<CONTRACT>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		contract string
		date     string
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{contract: b.Contract, date: b.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], BarRecord{
			Contract:  b.Contract,
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.contract, k.date)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%s: %w", k.contract, k.date, err)
		}
	}
	return nil
}

// ReadBars reads cached bars for the contract within [start, end).
func (s *ParquetStore) ReadBars(_ context.Context, contract string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for d := utcDay(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		path := s.barPath(contract, d.Format("2006-01-02"))

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Contract:  r.Contract,
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}
	return bars, nil
}

// HasBars reports whether every UTC day touched by [start, end) has a cache
// file for contract.
func (s *ParquetStore) HasBars(contract string, start, end time.Time) bool {
	for d := utcDay(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		if _, err := os.Stat(s.barPath(contract, d.Format("2006-01-02"))); err != nil {
			return false
		}
	}
	return true
}

// ListContracts lists all contracts that have cached bars.
func (s *ParquetStore) ListContracts(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, "bars")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var contracts []string
	for _, e := range entries {
		if e.IsDir() {
			contracts = append(contracts, e.Name())
		}
	}
	sort.Strings(contracts)
	return contracts, nil
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// WriteFills writes fills to Parquet files organized by account and UTC day:
//
//	<DataDir>/fills/<ACCOUNT>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteFills(_ context.Context, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	type key struct {
		account int64
		date    string
	}
	groups := make(map[key][]FillRecord)
	for _, f := range fills {
		k := key{account: f.AccountID, date: f.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], FillRecord{
			TradeID:    f.TradeID,
			OrderID:    f.OrderID,
			AccountID:  f.AccountID,
			Contract:   f.Contract,
			Side:       int32(f.Side),
			Price:      f.Price,
			Size:       int32(f.Size),
			Timestamp:  f.Timestamp.UnixMilli(),
			RealizedPL: f.RealizedPL,
			Fees:       f.Fees,
			Voided:     f.Voided,
		})
	}

	for k, records := range groups {
		path := s.fillPath(k.account, k.date)

		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fills for %d/%s: %w", k.account, k.date, err)
		}
	}
	return nil
}

// ReadFills reads archived fills for the account within [start, end].
func (s *ParquetStore) ReadFills(_ context.Context, accountID int64, start, end time.Time) ([]domain.Fill, error) {
	var fills []domain.Fill
	for d := utcDay(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[FillRecord](s.fillPath(accountID, d.Format("2006-01-02")))
		if err != nil {
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			fills = append(fills, domain.Fill{
				TradeID:    r.TradeID,
				OrderID:    r.OrderID,
				AccountID:  r.AccountID,
				Contract:   r.Contract,
				Side:       domain.Side(r.Side),
				Price:      r.Price,
				Size:       int(r.Size),
				Timestamp:  ts,
				RealizedPL: r.RealizedPL,
				Fees:       r.Fees,
				Voided:     r.Voided,
			})
		}
	}
	return fills, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/bars/<CONTRACT>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) barPath(contract, date string) string {
	return filepath.Join(s.DataDir, "bars", strings.ToUpper(contract), date+".parquet")
}

// fillPath returns the filesystem path for a fill Parquet file.
// Layout: <dataDir>/fills/<ACCOUNT>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) fillPath(accountID int64, date string) string {
	return filepath.Join(s.DataDir, "fills", strconv.FormatInt(accountID, 10), date+".parquet")
}

func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

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

// mergeBarRecords deduplicates bar records by (contract, timestamp),
// preferring new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		contract string
		ts       int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Contract, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Contract, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// mergeFillRecords deduplicates fills by trade id, preferring new records
// (a later report may void a trade). Results are sorted by timestamp.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[int64]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.TradeID] = r
	}
	for _, r := range incoming {
		seen[r.TradeID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp == merged[j].Timestamp {
			return merged[i].TradeID < merged[j].TradeID
		}
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
