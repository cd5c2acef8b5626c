package registry

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/shopspring/decimal"
)

func TestAdjustCreatesAndAccumulates(t *testing.T) {
	store := NewBalanceStore()

	balance, err := store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "USDT",
		Available: decimal.RequireFromString("1000"),
	}, 0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !balance.Available.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("available mismatch: %s", balance.Available)
	}

	balance, err = store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "USDT",
		Available: decimal.RequireFromString("-100"),
		Reserved:  decimal.RequireFromString("100"),
	}, balance.Version)
	if err != nil {
		t.Fatalf("adjust reserve: %v", err)
	}
	if !balance.Available.Equal(decimal.RequireFromString("900")) || !balance.Reserved.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("reserve mismatch: available=%s reserved=%s", balance.Available, balance.Reserved)
	}
	if !balance.Total().Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("reservation must not change total: %s", balance.Total())
	}
}

func TestAdjustStaleVersionFails(t *testing.T) {
	store := NewBalanceStore()

	balance, err := store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "BTC",
		Available: decimal.RequireFromString("2"),
	}, 0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}

	if _, err := store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "BTC",
		Available: decimal.RequireFromString("1"),
	}, balance.Version); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	_, err = store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "BTC",
		Available: decimal.RequireFromString("1"),
	}, balance.Version) // stale version
	if !errors.Is(err, entity.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
}

func TestAdjustRefusesNegative(t *testing.T) {
	store := NewBalanceStore()

	balance, err := store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "ETH",
		Available: decimal.RequireFromString("1"),
	}, 0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}

	if _, err := store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "ETH",
		Available: decimal.RequireFromString("-2"),
	}, balance.Version); err == nil {
		t.Fatal("debit past zero must fail")
	}

	current, _ := store.Read(entity.ExchangeBinance, "ETH")
	if !current.Available.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("failed adjust must not mutate: %s", current.Available)
	}
}

func TestReplaceWinsUnconditionally(t *testing.T) {
	store := NewBalanceStore()

	_, err := store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "USDT",
		Available: decimal.RequireFromString("500"),
	}, 0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}

	replaced := store.Replace(entity.Balance{
		Exchange:  entity.ExchangeBinance,
		Currency:  "USDT",
		Available: decimal.RequireFromString("750"),
		Reserved:  decimal.RequireFromString("25"),
	})
	if replaced.Version != 2 {
		t.Fatalf("replace must bump version: got %d", replaced.Version)
	}

	current, _ := store.Read(entity.ExchangeBinance, "USDT")
	if !current.Available.Equal(decimal.RequireFromString("750")) || !current.Reserved.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("replace mismatch: %+v", current)
	}
}

// Replays a random interleaving of reserve / fill / cancel movements and
// checks the balance never observes a negative value and every failed CAS
// leaves state untouched.
func TestRandomFillCancelInterleaving(t *testing.T) {
	store := NewBalanceStore()
	rng := rand.New(rand.NewSource(42))

	balance, err := store.Adjust(entity.BalanceDelta{
		Exchange:  entity.ExchangeBinance,
		Currency:  "USDT",
		Available: decimal.RequireFromString("10000"),
	}, 0)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	reservedOps := 0
	for i := 0; i < 500; i++ {
		amount := decimal.NewFromInt(int64(rng.Intn(200) + 1))

		var delta entity.BalanceDelta
		switch rng.Intn(3) {
		case 0: // reserve for a new order
			delta = entity.BalanceDelta{
				Exchange:  entity.ExchangeBinance,
				Currency:  "USDT",
				Available: amount.Neg(),
				Reserved:  amount,
			}
		case 1: // confirmed fill consumes reservation
			delta = entity.BalanceDelta{
				Exchange: entity.ExchangeBinance,
				Currency: "USDT",
				Reserved: amount.Neg(),
			}
		default: // cancel releases reservation
			delta = entity.BalanceDelta{
				Exchange:  entity.ExchangeBinance,
				Currency:  "USDT",
				Available: amount,
				Reserved:  amount.Neg(),
			}
		}

		next, err := store.Adjust(delta, balance.Version)
		if err != nil {
			// refused movements must leave the balance untouched
			current, _ := store.Read(entity.ExchangeBinance, "USDT")
			if current.Version != balance.Version {
				t.Fatalf("failed adjust mutated state at op %d", i)
			}
			continue
		}

		if next.Available.IsNegative() || next.Reserved.IsNegative() {
			t.Fatalf("negative balance at op %d: %+v", i, next)
		}
		balance = next
		reservedOps++
	}

	if reservedOps == 0 {
		t.Fatal("expected at least one applied movement")
	}
}
