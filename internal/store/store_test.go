package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"levelx/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath("cON.F.US.EP.M25", "2025-03-03")
	want := filepath.Join("/data", "bars", "CON.F.US.EP.M25", "2025-03-03.parquet")
	if bp != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, want)
	}

	fp := ps.fillPath(465, "2025-03-03")
	want = filepath.Join("/data", "fills", "465", "2025-03-03.parquet")
	if fp != want {
		t.Errorf("fillPath mismatch:\n  got  %s\n  want %s", fp, want)
	}
}

func minuteBars(contract string, start time.Time, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Contract:  contract,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c + 0.5, Low: c - 0.5, Close: c,
			Volume: 100,
		}
	}
	return bars
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	start := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	if err := ps.WriteBars(ctx, minuteBars("CON.F.US.EP.M25", start, 5000, 5001, 5002)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, "CON.F.US.EP.M25", start, start.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2 (end is exclusive)", len(got))
	}
	if got[0].Close != 5000 || got[1].Close != 5001 {
		t.Errorf("closes = %v, %v; want 5000, 5001", got[0].Close, got[1].Close)
	}
	if !got[0].Timestamp.Equal(start) {
		t.Errorf("first timestamp = %v, want %v", got[0].Timestamp, start)
	}
	if !ps.HasBars("CON.F.US.EP.M25", start, start.Add(time.Hour)) {
		t.Error("HasBars = false for a cached day")
	}
	if ps.HasBars("CON.F.US.EP.M25", start, start.Add(24*time.Hour)) {
		t.Error("HasBars = true although the next day is not cached")
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	start := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	if err := ps.WriteBars(ctx, minuteBars("CON.F.US.EP.M25", start, 5000, 5001)); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}
	// Overlapping write: the second bar is replaced, a third is appended.
	if err := ps.WriteBars(ctx, minuteBars("CON.F.US.EP.M25", start.Add(time.Minute), 5009, 5010)); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	got, err := ps.ReadBars(ctx, "CON.F.US.EP.M25", start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadBars returned %d bars after merge, want 3", len(got))
	}
	if got[1].Close != 5009 {
		t.Errorf("merged bar close = %v, want 5009", got[1].Close)
	}
}

func TestParquetStoreListContracts(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	start := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	bars := append(minuteBars("CON.F.US.NQ.M25", start, 20000), minuteBars("CON.F.US.EP.M25", start, 5000)...)
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	contracts, err := ps.ListContracts(ctx)
	if err != nil {
		t.Fatalf("ListContracts: %v", err)
	}
	if len(contracts) != 2 || contracts[0] != "CON.F.US.EP.M25" || contracts[1] != "CON.F.US.NQ.M25" {
		t.Errorf("ListContracts = %v", contracts)
	}
}

func TestParquetStoreFillsDedupeByTradeID(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	at := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	fill := domain.Fill{TradeID: 9, OrderID: 3, AccountID: 465, Contract: "CON.F.US.EP.M25", Side: domain.SideBid, Price: 5000.25, Size: 2, Timestamp: at}
	if err := ps.WriteFills(ctx, []domain.Fill{fill}); err != nil {
		t.Fatalf("WriteFills: %v", err)
	}
	fill.Voided = true
	second := domain.Fill{TradeID: 10, OrderID: 4, AccountID: 465, Contract: "CON.F.US.EP.M25", Side: domain.SideAsk, Price: 5001, Size: 2, Timestamp: at.Add(time.Minute)}
	if err := ps.WriteFills(ctx, []domain.Fill{fill, second}); err != nil {
		t.Fatalf("WriteFills: %v", err)
	}

	got, err := ps.ReadFills(ctx, 465, at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadFills: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadFills returned %d fills, want 2", len(got))
	}
	if !got[0].Voided || got[0].TradeID != 9 {
		t.Errorf("first fill = %+v, want voided trade 9", got[0])
	}
	if got[1].Side != domain.SideAsk || got[1].Size != 2 {
		t.Errorf("second fill = %+v", got[1])
	}
}

func TestSQLiteStoreOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", dbPath, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	}()

	if err := store.db.Ping(); err != nil {
		t.Fatalf("db.Ping() returned error: %v", err)
	}
}

func TestSQLiteStoreRecordAndList(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	events := []domain.Event{
		{Kind: domain.EventSignal, At: base, Contract: "CON.F.US.EP.M25", Message: "up retest of PDH", Fields: map[string]any{"confidence": 0.8}},
		{Kind: domain.EventRiskRejected, At: base.Add(time.Second), AccountID: 465, Message: "daily loss"},
		{ID: "fixed", Kind: domain.EventFill, At: base.Add(2 * time.Second), AccountID: 465, Contract: "CON.F.US.EP.M25"},
	}
	for _, ev := range events {
		if err := store.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	// Duplicate ids are ignored.
	if err := store.Record(ctx, events[2]); err != nil {
		t.Fatalf("Record duplicate: %v", err)
	}

	all, err := store.ListEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListEvents returned %d events, want 3", len(all))
	}
	if all[0].ID != "fixed" {
		t.Errorf("newest event id = %q, want fixed", all[0].ID)
	}
	if all[2].Fields["confidence"] != 0.8 {
		t.Errorf("fields = %v", all[2].Fields)
	}

	rejected, err := store.ListEvents(ctx, EventQuery{Kind: domain.EventRiskRejected})
	if err != nil {
		t.Fatalf("ListEvents by kind: %v", err)
	}
	if len(rejected) != 1 || rejected[0].Message != "daily loss" || rejected[0].AccountID != 465 {
		t.Errorf("rejected = %+v", rejected)
	}

	limited, err := store.ListEvents(ctx, EventQuery{AccountID: 465, Limit: 1})
	if err != nil {
		t.Fatalf("ListEvents limited: %v", err)
	}
	if len(limited) != 1 || limited[0].Kind != domain.EventFill {
		t.Errorf("limited = %+v", limited)
	}
}
