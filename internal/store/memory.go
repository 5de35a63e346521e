package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/bet"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/stake"
	"github.com/atmx/settlement-engine/internal/wallet"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized and write to a private overlay that is merged
// into the committed maps only when the callback succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// memState holds committed rows. Stored values are never handed out; every
// read returns a copy.
type memState struct {
	wallets map[string]*wallet.Wallet // by user id
	entries []ledger.Entry
	keys    map[string]int // ledger idempotency key -> index into entries
	bets    map[string]*bet.Bet
	stakes  map[string]*stake.Stake
	seq     int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		wallets: make(map[string]*wallet.Wallet),
		keys:    make(map[string]int),
		bets:    make(map[string]*bet.Bet),
		stakes:  make(map[string]*stake.Stake),
	}}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		base:    s.state,
		wallets: make(map[string]*wallet.Wallet),
		bets:    make(map[string]*bet.Bet),
		stakes:  make(map[string]*stake.Stake),
		seq:     s.state.seq,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) view() memView {
	return memView{base: s.state}
}

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetWallet(ctx, userID)
}

func (s *MemoryStore) ListWallets(ctx context.Context) ([]*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListWallets(ctx)
}

func (s *MemoryStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetLedgerEntriesByUser(ctx, userID)
}

func (s *MemoryStore) GetLedgerEntriesByBet(ctx context.Context, betID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetLedgerEntriesByBet(ctx, betID)
}

func (s *MemoryStore) GetLedgerEntryByKey(ctx context.Context, key string) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetLedgerEntryByKey(ctx, key)
}

func (s *MemoryStore) GetBet(ctx context.Context, id string) (*bet.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetBet(ctx, id)
}

func (s *MemoryStore) ListBets(ctx context.Context, status bet.Status) ([]*bet.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListBets(ctx, status)
}

func (s *MemoryStore) GetStakeByKey(ctx context.Context, key string) (*stake.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().GetStakeByKey(ctx, key)
}

func (s *MemoryStore) ListStakesByBet(ctx context.Context, betID string) ([]*stake.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListStakesByBet(ctx, betID)
}

func (s *MemoryStore) ListStakesByUser(ctx context.Context, userID string) ([]*stake.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view().ListStakesByUser(ctx, userID)
}

// memView reads committed rows, overlaid with a transaction's pending
// writes when tx is set.
type memView struct {
	base *memState
	tx   *memTx
}

func (v memView) wallet(userID string) (*wallet.Wallet, bool) {
	if v.tx != nil {
		if w, ok := v.tx.wallets[userID]; ok {
			return w, true
		}
	}
	w, ok := v.base.wallets[userID]
	return w, ok
}

func (v memView) bet(id string) (*bet.Bet, bool) {
	if v.tx != nil {
		if b, ok := v.tx.bets[id]; ok {
			return b, true
		}
	}
	b, ok := v.base.bets[id]
	return b, ok
}

func (v memView) allBets() map[string]*bet.Bet {
	out := make(map[string]*bet.Bet, len(v.base.bets))
	for id, b := range v.base.bets {
		out[id] = b
	}
	if v.tx != nil {
		for id, b := range v.tx.bets {
			out[id] = b
		}
	}
	return out
}

func (v memView) allStakes() map[string]*stake.Stake {
	out := make(map[string]*stake.Stake, len(v.base.stakes))
	for id, st := range v.base.stakes {
		out[id] = st
	}
	if v.tx != nil {
		for id, st := range v.tx.stakes {
			out[id] = st
		}
	}
	return out
}

func (v memView) allEntries() []ledger.Entry {
	if v.tx == nil || len(v.tx.entries) == 0 {
		return v.base.entries
	}
	out := make([]ledger.Entry, 0, len(v.base.entries)+len(v.tx.entries))
	out = append(out, v.base.entries...)
	return append(out, v.tx.entries...)
}

func (v memView) GetWallet(_ context.Context, userID string) (*wallet.Wallet, error) {
	w, ok := v.wallet(userID)
	if !ok {
		return nil, fmt.Errorf("%w: wallet for user %s", apperr.ErrNotFound, userID)
	}
	return cloneWallet(w), nil
}

func (v memView) ListWallets(_ context.Context) ([]*wallet.Wallet, error) {
	users := make(map[string]bool, len(v.base.wallets))
	for u := range v.base.wallets {
		users[u] = true
	}
	if v.tx != nil {
		for u := range v.tx.wallets {
			users[u] = true
		}
	}
	out := make([]*wallet.Wallet, 0, len(users))
	for u := range users {
		w, _ := v.wallet(u)
		out = append(out, cloneWallet(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (v memView) GetLedgerEntriesByUser(_ context.Context, userID string) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range v.allEntries() {
		if e.UserID == userID {
			result = append(result, cloneEntry(e))
		}
	}
	return result, nil
}

func (v memView) GetLedgerEntriesByBet(_ context.Context, betID string) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range v.allEntries() {
		if e.BetID == betID {
			result = append(result, cloneEntry(e))
		}
	}
	return result, nil
}

func (v memView) GetLedgerEntryByKey(_ context.Context, key string) (ledger.Entry, error) {
	if key != "" {
		if i, ok := v.base.keys[key]; ok {
			return cloneEntry(v.base.entries[i]), nil
		}
		if v.tx != nil {
			for _, e := range v.tx.entries {
				if e.IdempotencyKey == key {
					return cloneEntry(e), nil
				}
			}
		}
	}
	return ledger.Entry{}, fmt.Errorf("%w: ledger entry with key %q", apperr.ErrNotFound, key)
}

func (v memView) GetBet(_ context.Context, id string) (*bet.Bet, error) {
	b, ok := v.bet(id)
	if !ok {
		return nil, fmt.Errorf("%w: bet %s", apperr.ErrNotFound, id)
	}
	return cloneBet(b), nil
}

func (v memView) ListBets(_ context.Context, status bet.Status) ([]*bet.Bet, error) {
	var out []*bet.Bet
	for _, b := range v.allBets() {
		if status == "" || b.Status == status {
			out = append(out, cloneBet(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v memView) GetStakeByKey(_ context.Context, key string) (*stake.Stake, error) {
	for _, st := range v.allStakes() {
		if key != "" && st.IdempotencyKey == key {
			return cloneStake(st), nil
		}
	}
	return nil, fmt.Errorf("%w: stake with key %q", apperr.ErrNotFound, key)
}

func (v memView) ListStakesByBet(_ context.Context, betID string) ([]*stake.Stake, error) {
	var out []*stake.Stake
	for _, st := range v.allStakes() {
		if st.BetID == betID {
			out = append(out, cloneStake(st))
		}
	}
	sortStakes(out, false)
	return out, nil
}

func (v memView) ListStakesByUser(_ context.Context, userID string) ([]*stake.Stake, error) {
	var out []*stake.Stake
	for _, st := range v.allStakes() {
		if st.UserID == userID {
			out = append(out, cloneStake(st))
		}
	}
	sortStakes(out, true)
	return out, nil
}

// memTx buffers writes until commit. The store mutex is held for its whole
// lifetime, so base cannot change underneath it.
type memTx struct {
	base    *memState
	wallets map[string]*wallet.Wallet
	bets    map[string]*bet.Bet
	stakes  map[string]*stake.Stake
	entries []ledger.Entry
	seq     int64
}

func (tx *memTx) reader() memView {
	return memView{base: tx.base, tx: tx}
}

func (tx *memTx) GetWallet(ctx context.Context, userID string) (*wallet.Wallet, error) {
	return tx.reader().GetWallet(ctx, userID)
}

func (tx *memTx) ListWallets(ctx context.Context) ([]*wallet.Wallet, error) {
	return tx.reader().ListWallets(ctx)
}

func (tx *memTx) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]ledger.Entry, error) {
	return tx.reader().GetLedgerEntriesByUser(ctx, userID)
}

func (tx *memTx) GetLedgerEntriesByBet(ctx context.Context, betID string) ([]ledger.Entry, error) {
	return tx.reader().GetLedgerEntriesByBet(ctx, betID)
}

func (tx *memTx) GetLedgerEntryByKey(ctx context.Context, key string) (ledger.Entry, error) {
	return tx.reader().GetLedgerEntryByKey(ctx, key)
}

func (tx *memTx) GetBet(ctx context.Context, id string) (*bet.Bet, error) {
	return tx.reader().GetBet(ctx, id)
}

func (tx *memTx) ListBets(ctx context.Context, status bet.Status) ([]*bet.Bet, error) {
	return tx.reader().ListBets(ctx, status)
}

func (tx *memTx) GetStakeByKey(ctx context.Context, key string) (*stake.Stake, error) {
	return tx.reader().GetStakeByKey(ctx, key)
}

func (tx *memTx) ListStakesByBet(ctx context.Context, betID string) ([]*stake.Stake, error) {
	return tx.reader().ListStakesByBet(ctx, betID)
}

func (tx *memTx) ListStakesByUser(ctx context.Context, userID string) ([]*stake.Stake, error) {
	return tx.reader().ListStakesByUser(ctx, userID)
}

func (tx *memTx) CreateWallet(_ context.Context, w *wallet.Wallet) error {
	if _, ok := tx.reader().wallet(w.UserID); ok {
		return fmt.Errorf("%w: wallet for user %s already exists", ErrDuplicateKey, w.UserID)
	}
	tx.wallets[w.UserID] = cloneWallet(w)
	return nil
}

func (tx *memTx) UpdateWallet(_ context.Context, w *wallet.Wallet) error {
	cur, ok := tx.reader().wallet(w.UserID)
	if !ok || cur.ID != w.ID {
		return fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, w.ID)
	}
	tx.wallets[w.UserID] = cloneWallet(w)
	return nil
}

func (tx *memTx) InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error {
	if e.IdempotencyKey != "" {
		if _, err := tx.GetLedgerEntryByKey(ctx, e.IdempotencyKey); err == nil {
			return fmt.Errorf("%w: ledger idempotency key %q", ErrDuplicateKey, e.IdempotencyKey)
		}
	}
	tx.seq++
	e.Seq = tx.seq
	tx.entries = append(tx.entries, cloneEntry(*e))
	return nil
}

func (tx *memTx) CreateBet(_ context.Context, b *bet.Bet) error {
	if _, ok := tx.reader().bet(b.ID); ok {
		return fmt.Errorf("%w: bet %s already exists", ErrDuplicateKey, b.ID)
	}
	tx.bets[b.ID] = cloneBet(b)
	return nil
}

func (tx *memTx) UpdateBet(_ context.Context, b *bet.Bet) error {
	if _, ok := tx.reader().bet(b.ID); !ok {
		return fmt.Errorf("%w: bet %s", apperr.ErrNotFound, b.ID)
	}
	if key := b.ResolutionIdempotencyKey; key != "" {
		for id, other := range tx.reader().allBets() {
			if id != b.ID && other.ResolutionIdempotencyKey == key {
				return fmt.Errorf("%w: resolution key %q", ErrDuplicateKey, key)
			}
		}
	}
	tx.bets[b.ID] = cloneBet(b)
	return nil
}

func (tx *memTx) InsertStake(ctx context.Context, st *stake.Stake) error {
	if _, err := tx.GetStakeByKey(ctx, st.IdempotencyKey); err == nil {
		return fmt.Errorf("%w: stake idempotency key %q", ErrDuplicateKey, st.IdempotencyKey)
	}
	tx.stakes[st.ID] = cloneStake(st)
	return nil
}

func (tx *memTx) UpdateStake(_ context.Context, st *stake.Stake) error {
	if _, ok := tx.reader().allStakes()[st.ID]; !ok {
		return fmt.Errorf("%w: stake %s", apperr.ErrNotFound, st.ID)
	}
	tx.stakes[st.ID] = cloneStake(st)
	return nil
}

func (tx *memTx) commit() {
	for u, w := range tx.wallets {
		tx.base.wallets[u] = w
	}
	for id, b := range tx.bets {
		tx.base.bets[id] = b
	}
	for id, st := range tx.stakes {
		tx.base.stakes[id] = st
	}
	for _, e := range tx.entries {
		if e.IdempotencyKey != "" {
			tx.base.keys[e.IdempotencyKey] = len(tx.base.entries)
		}
		tx.base.entries = append(tx.base.entries, e)
	}
	tx.base.seq = tx.seq
}

func cloneWallet(w *wallet.Wallet) *wallet.Wallet {
	c := *w
	return &c
}

func cloneBet(b *bet.Bet) *bet.Bet {
	c := *b
	c.Outcomes = append([]bet.Outcome(nil), b.Outcomes...)
	return &c
}

func cloneStake(st *stake.Stake) *stake.Stake {
	c := *st
	return &c
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

func sortStakes(out []*stake.Stake, newestFirst bool) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if newestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
