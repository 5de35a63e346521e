package wallet

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/money"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func m(s string) money.Money {
	return money.MustParse(s)
}

func newWallet(t *testing.T, available string) *Wallet {
	t.Helper()
	w, err := New("user1", now)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	if available != "" {
		if err := w.RecordDeposit(m(available)); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
	}
	return w
}

func assertBalances(t *testing.T, w *Wallet, available, locked string) {
	t.Helper()
	if !w.Available().Equal(m(available)) {
		t.Errorf("available = %s, want %s", w.Available(), available)
	}
	if !w.Locked().Equal(m(locked)) {
		t.Errorf("locked = %s, want %s", w.Locked(), locked)
	}
}

func TestNew_RequiresUser(t *testing.T) {
	if _, err := New("", now); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// Scenario A: lock 300 of 1000, then a 450 payout settles that stake.
func TestScenarioA_LockThenWinPayout(t *testing.T) {
	w := newWallet(t, "1000")

	if err := w.RecordStakeLocked(m("300")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	assertBalances(t, w, "700", "300")

	if err := w.RecordWinPayout(m("450"), m("300")); err != nil {
		t.Fatalf("payout: %v", err)
	}
	assertBalances(t, w, "1150", "0")
}

func TestWinPayout_LeavesOtherStakesLocked(t *testing.T) {
	w := newWallet(t, "1000")
	_ = w.RecordStakeLocked(m("300")) // bet A
	_ = w.RecordStakeLocked(m("200")) // bet B

	if err := w.RecordWinPayout(m("450"), m("300")); err != nil {
		t.Fatalf("payout: %v", err)
	}
	assertBalances(t, w, "950", "200")
}

func TestWinPayout_ReleaseExceedsLocked(t *testing.T) {
	w := newWallet(t, "100")
	_ = w.RecordStakeLocked(m("50"))

	err := w.RecordWinPayout(m("120"), m("60"))
	if !errors.Is(err, apperr.ErrConcurrency) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	assertBalances(t, w, "50", "50")
}

func TestStakeLocked_InsufficientFunds(t *testing.T) {
	w := newWallet(t, "100")

	err := w.RecordStakeLocked(m("100.01"))
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	assertBalances(t, w, "100", "0")
}

func TestStakeRefund(t *testing.T) {
	w := newWallet(t, "100")
	_ = w.RecordStakeLocked(m("40"))

	if err := w.RecordStakeRefund(m("40")); err != nil {
		t.Fatalf("refund: %v", err)
	}
	assertBalances(t, w, "100", "0")

	if err := w.RecordStakeRefund(m("1")); !errors.Is(err, apperr.ErrConcurrency) {
		t.Errorf("expected invariant violation on refund beyond locked, got %v", err)
	}
}

func TestStakeForfeit(t *testing.T) {
	w := newWallet(t, "100")
	_ = w.RecordStakeLocked(m("40"))

	if err := w.RecordStakeForfeit(m("40")); err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	assertBalances(t, w, "60", "0")

	if err := w.RecordStakeForfeit(m("0.01")); !errors.Is(err, apperr.ErrConcurrency) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

func TestPlatformFeeAndWithdrawal(t *testing.T) {
	w := newWallet(t, "10")

	if err := w.RecordPlatformFee(m("2.50")); err != nil {
		t.Fatalf("fee: %v", err)
	}
	if err := w.RecordWithdrawal(m("7.50")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	assertBalances(t, w, "0", "0")

	if err := w.RecordPlatformFee(m("0.01")); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Errorf("expected insufficient funds for fee, got %v", err)
	}
	if err := w.RecordWithdrawal(m("0.01")); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Errorf("expected insufficient funds for withdrawal, got %v", err)
	}
}

func TestCanAfford(t *testing.T) {
	w := newWallet(t, "25")
	if !w.CanAfford(m("25")) {
		t.Error("should afford exact balance")
	}
	if w.CanAfford(m("25.01")) {
		t.Error("should not afford more than available")
	}
}

func TestApply_RejectsForeignEntry(t *testing.T) {
	w := newWallet(t, "")
	e, _ := ledger.New(ledger.Params{
		WalletID: "other", UserID: "user1", Kind: ledger.KindDeposit,
		Amount: m("5"), Description: "deposit",
	}, now)

	if err := w.Apply(e); !errors.Is(err, apperr.ErrBusinessRule) {
		t.Errorf("expected business rule violation, got %v", err)
	}
}

// randomEntry builds a plausible entry against w; it may be rejected.
func randomEntry(t *testing.T, rng *rand.Rand, w *Wallet) ledger.Entry {
	t.Helper()
	kinds := []ledger.Kind{
		ledger.KindDeposit, ledger.KindStakeLocked, ledger.KindStakeRefund,
		ledger.KindStakeForfeit, ledger.KindWinPayout, ledger.KindPlatformFee,
		ledger.KindWithdrawal,
	}
	kind := kinds[rng.Intn(len(kinds))]
	amount, _ := money.FromCents(int64(rng.Intn(50000) + 1))

	p := ledger.Params{
		WalletID: w.ID, UserID: w.UserID, Kind: kind,
		Amount: amount, Description: string(kind),
	}
	if kind == ledger.KindWinPayout {
		released, _ := money.FromCents(int64(rng.Intn(30000)))
		p.Released = released
	}
	e, err := ledger.New(p, now)
	if err != nil {
		t.Fatalf("build entry: %v", err)
	}
	return e
}

func TestConservationAndNonNegativity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	w := newWallet(t, "")
	var applied []ledger.Entry

	for i := 0; i < 2000; i++ {
		e := randomEntry(t, rng, w)
		beforeAvail, beforeLocked := w.Available(), w.Locked()
		beforeTotal := w.Total()

		if err := w.Apply(e); err != nil {
			// Rejected operations must not move any balance.
			if !w.Available().Equal(beforeAvail) || !w.Locked().Equal(beforeLocked) {
				t.Fatalf("step %d: rejected %s changed balances", i, e.Kind)
			}
			continue
		}
		e.Seq = int64(len(applied) + 1)
		applied = append(applied, e)

		credit, debit := e.TotalDelta()
		want := beforeTotal.Add(credit)
		want, err := want.Sub(debit)
		if err != nil {
			t.Fatalf("step %d: total would go negative: %v", i, err)
		}
		if !w.Total().Equal(want) {
			t.Fatalf("step %d: %s changed total from %s to %s, want %s",
				i, e.Kind, beforeTotal, w.Total(), want)
		}
		if w.Available().Decimal().IsNegative() || w.Locked().Decimal().IsNegative() {
			t.Fatalf("step %d: negative balance %s/%s", i, w.Available(), w.Locked())
		}
	}

	replayed, err := Replay(w.ID, w.UserID, applied)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed.Available().Equal(w.Available()) || !replayed.Locked().Equal(w.Locked()) {
		t.Errorf("replay %s/%s differs from cache %s/%s",
			replayed.Available(), replayed.Locked(), w.Available(), w.Locked())
	}
}

func TestView(t *testing.T) {
	w := newWallet(t, "10")
	_ = w.RecordStakeLocked(m("4"))

	v := w.View()
	if v.Total.String() != "10.00" || v.Available.String() != "6.00" || v.Locked.String() != "4.00" {
		t.Errorf("unexpected view %+v", v)
	}
}
