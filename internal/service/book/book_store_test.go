package book

import (
	"errors"
	"testing"

	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/shopspring/decimal"
)

var testInstrument = entity.NewInstrument("BTC", "USDT", entity.ExchangeBinance)

func level(price, quantity string) entity.PriceLevel {
	return entity.PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(quantity),
	}
}

func seedSnapshot(t *testing.T, store *Store) {
	t.Helper()
	store.ReplaceSnapshot(entity.OrderBookSnapshot{
		Instrument: testInstrument,
		Sequence:   10,
		Bids:       []entity.PriceLevel{level("100", "1"), level("99", "2")},
		Asks:       []entity.PriceLevel{level("101", "1.5"), level("102", "3")},
	})
}

func TestApplyDiffUpdatesAndRemovesLevels(t *testing.T) {
	store := NewStore()
	seedSnapshot(t, store)

	err := store.ApplyDiff(entity.BookDiff{
		Instrument: testInstrument,
		Sequence:   11,
		Bids:       []entity.PriceLevel{level("100", "0.7"), level("98", "5")},
		Asks:       []entity.PriceLevel{level("102", "0")},
	})
	if err != nil {
		t.Fatalf("apply diff: %v", err)
	}

	snapshot, ok := store.Read(testInstrument)
	if !ok {
		t.Fatal("expected snapshot to exist")
	}
	if snapshot.Sequence != 11 {
		t.Fatalf("sequence mismatch: got %d want 11", snapshot.Sequence)
	}

	wantBids := []entity.PriceLevel{level("100", "0.7"), level("99", "2"), level("98", "5")}
	if len(snapshot.Bids) != len(wantBids) {
		t.Fatalf("bid count mismatch: got %d want %d", len(snapshot.Bids), len(wantBids))
	}
	for i, want := range wantBids {
		if !snapshot.Bids[i].Price.Equal(want.Price) || !snapshot.Bids[i].Quantity.Equal(want.Quantity) {
			t.Fatalf("bid %d mismatch: got %s@%s want %s@%s", i,
				snapshot.Bids[i].Quantity, snapshot.Bids[i].Price, want.Quantity, want.Price)
		}
	}

	// 102 was removed by the zero-quantity level.
	if len(snapshot.Asks) != 1 || !snapshot.Asks[0].Price.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("ask side mismatch: %+v", snapshot.Asks)
	}
}

func TestApplyDiffSequenceGapDropsBook(t *testing.T) {
	store := NewStore()
	seedSnapshot(t, store)

	err := store.ApplyDiff(entity.BookDiff{
		Instrument: testInstrument,
		Sequence:   13, // expected 11
		Bids:       []entity.PriceLevel{level("100", "9")},
	})
	if !errors.Is(err, entity.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}

	if _, ok := store.Read(testInstrument); ok {
		t.Fatal("book must be discarded after a sequence gap")
	}

	// Diffs keep failing until a fresh snapshot arrives.
	err = store.ApplyDiff(entity.BookDiff{Instrument: testInstrument, Sequence: 14})
	if !errors.Is(err, entity.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap without snapshot, got %v", err)
	}

	seedSnapshot(t, store)
	if err := store.ApplyDiff(entity.BookDiff{Instrument: testInstrument, Sequence: 11}); err != nil {
		t.Fatalf("apply after replace: %v", err)
	}
}

func TestApplyDiffWithoutSnapshotFails(t *testing.T) {
	store := NewStore()

	err := store.ApplyDiff(entity.BookDiff{Instrument: testInstrument, Sequence: 1})
	if !errors.Is(err, entity.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
}

func TestDiffSequenceIsDeterministic(t *testing.T) {
	store := NewStore()
	seedSnapshot(t, store)

	diffs := []entity.BookDiff{
		{Instrument: testInstrument, Sequence: 11, Bids: []entity.PriceLevel{level("99", "0")}},
		{Instrument: testInstrument, Sequence: 12, Asks: []entity.PriceLevel{level("103", "4")}},
		{Instrument: testInstrument, Sequence: 13, Bids: []entity.PriceLevel{level("100", "2.5")}},
	}
	for _, diff := range diffs {
		if err := store.ApplyDiff(diff); err != nil {
			t.Fatalf("apply diff %d: %v", diff.Sequence, err)
		}
	}

	snapshot, ok := store.Read(testInstrument)
	if !ok {
		t.Fatal("expected snapshot")
	}
	if snapshot.Sequence != 13 {
		t.Fatalf("sequence mismatch: got %d want 13", snapshot.Sequence)
	}
	if len(snapshot.Bids) != 1 || !snapshot.Bids[0].Quantity.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("bids mismatch: %+v", snapshot.Bids)
	}
	if len(snapshot.Asks) != 3 {
		t.Fatalf("ask count mismatch: got %d want 3", len(snapshot.Asks))
	}
	if !snapshot.Asks[0].Price.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("asks must be ascending, got best ask %s", snapshot.Asks[0].Price)
	}
}

func TestInstrumentsAreIndependent(t *testing.T) {
	store := NewStore()
	seedSnapshot(t, store)

	other := entity.NewInstrument("ETH", "USDT", entity.ExchangeBinance)
	store.ReplaceSnapshot(entity.OrderBookSnapshot{
		Instrument: other,
		Sequence:   5,
		Bids:       []entity.PriceLevel{level("2000", "1")},
	})

	// Gap on the first instrument must not touch the second.
	_ = store.ApplyDiff(entity.BookDiff{Instrument: testInstrument, Sequence: 99})

	if _, ok := store.Read(testInstrument); ok {
		t.Fatal("gapped book should be dropped")
	}
	if _, ok := store.Read(other); !ok {
		t.Fatal("unrelated book must survive")
	}

	instruments := store.Instruments()
	if len(instruments) != 1 || instruments[0].Key() != other.Key() {
		t.Fatalf("instruments mismatch: %+v", instruments)
	}
}

func TestReadReturnsCopy(t *testing.T) {
	store := NewStore()
	seedSnapshot(t, store)

	first, _ := store.Read(testInstrument)
	first.Bids[0].Quantity = decimal.RequireFromString("999")

	second, _ := store.Read(testInstrument)
	if second.Bids[0].Quantity.Equal(decimal.RequireFromString("999")) {
		t.Fatal("mutating a read snapshot must not affect the store")
	}
}
