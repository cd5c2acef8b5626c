package book

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/shopspring/decimal"
)

type bookSide map[string]entity.PriceLevel

type localBook struct {
	sequence  uint64
	bids      bookSide
	asks      bookSide
	updatedAt time.Time
}

// Store mirrors per-instrument exchange order books built from streamed
// diffs. Instruments are independent; a sequence gap on one book never
// affects another.
type Store struct {
	mu    sync.RWMutex
	books map[string]*localBook
}

func NewStore() *Store {
	return &Store{
		books: make(map[string]*localBook),
	}
}

// ApplyDiff applies an incremental update. The diff's sequence number must be
// exactly the current sequence plus one, otherwise the instrument's book is
// dropped and entity.ErrSequenceGap is returned so the caller refetches a
// snapshot. Zero-quantity levels are removed.
func (s *Store) ApplyDiff(diff entity.BookDiff) error {
	key := diff.Instrument.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[key]
	if !ok {
		return fmt.Errorf("%w: no snapshot for %s", entity.ErrSequenceGap, key)
	}

	if diff.Sequence != book.sequence+1 {
		delete(s.books, key)
		return fmt.Errorf("%w: %s expected %d got %d", entity.ErrSequenceGap, key, book.sequence+1, diff.Sequence)
	}

	applyLevels(book.bids, diff.Bids)
	applyLevels(book.asks, diff.Asks)
	book.sequence = diff.Sequence
	book.updatedAt = time.Now().UTC()

	return nil
}

// ReplaceSnapshot unconditionally resets the instrument's book.
func (s *Store) ReplaceSnapshot(snapshot entity.OrderBookSnapshot) {
	key := snapshot.Instrument.Key()

	book := &localBook{
		sequence:  snapshot.Sequence,
		bids:      make(bookSide, len(snapshot.Bids)),
		asks:      make(bookSide, len(snapshot.Asks)),
		updatedAt: time.Now().UTC(),
	}
	applyLevels(book.bids, snapshot.Bids)
	applyLevels(book.asks, snapshot.Asks)

	s.mu.Lock()
	s.books[key] = book
	s.mu.Unlock()
}

// Drop discards the instrument's book, forcing a snapshot refetch before
// further diffs apply.
func (s *Store) Drop(instrument entity.Instrument) {
	s.mu.Lock()
	delete(s.books, instrument.Key())
	s.mu.Unlock()
}

// Read returns a consistent point-in-time copy of the instrument's book,
// bids descending and asks ascending by price.
func (s *Store) Read(instrument entity.Instrument) (*entity.OrderBookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[instrument.Key()]
	if !ok {
		return nil, false
	}

	snapshot := &entity.OrderBookSnapshot{
		Instrument: instrument,
		Sequence:   book.sequence,
		Bids:       sortedLevels(book.bids, true),
		Asks:       sortedLevels(book.asks, false),
		UpdatedAt:  book.updatedAt,
	}

	return snapshot, true
}

// Instruments lists every instrument the store currently mirrors.
func (s *Store) Instruments() []entity.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instruments := make([]entity.Instrument, 0, len(s.books))
	for key := range s.books {
		instrument, err := parseInstrumentKey(key)
		if err != nil {
			continue
		}
		instruments = append(instruments, instrument)
	}

	return instruments
}

func applyLevels(side bookSide, levels []entity.PriceLevel) {
	for _, level := range levels {
		priceKey := level.Price.String()
		if level.Quantity.LessThanOrEqual(decimal.Zero) {
			delete(side, priceKey)
			continue
		}
		side[priceKey] = level
	}
}

func sortedLevels(side bookSide, descending bool) []entity.PriceLevel {
	levels := make([]entity.PriceLevel, 0, len(side))
	for _, level := range side {
		levels = append(levels, level)
	}

	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})

	return levels
}
