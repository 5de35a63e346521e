package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/bet"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/stake"
	"github.com/atmx/settlement-engine/internal/wallet"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgReader
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgReader: pgReader{q: pool}}
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{pgReader{q: tx, forUpdate: true}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapErr(err))
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgReader implements Reader over a pool or a transaction. Inside a
// transaction wallet and bet reads lock their rows until commit.
type pgReader struct {
	q         querier
	forUpdate bool
}

func (r pgReader) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

const walletColumns = `id, user_id, available::TEXT, locked::TEXT, created_at, updated_at`

func (r pgReader) GetWallet(ctx context.Context, userID string) (*wallet.Wallet, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`+r.lockClause(), userID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: wallet for user %s", apperr.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return w, nil
}

func (r pgReader) ListWallets(ctx context.Context) ([]*wallet.Wallet, error) {
	rows, err := r.q.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*wallet.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const entryColumns = `seq, id, wallet_id, user_id, kind, amount::TEXT, released::TEXT, description,
	COALESCE(bet_id, ''), COALESCE(stake_id, ''), COALESCE(idempotency_key, ''), metadata, created_at`

func (r pgReader) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]ledger.Entry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (r pgReader) GetLedgerEntriesByBet(ctx context.Context, betID string) ([]ledger.Entry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE bet_id = $1 ORDER BY seq`, betID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (r pgReader) GetLedgerEntryByKey(ctx context.Context, key string) (ledger.Entry, error) {
	e, err := scanLedgerEntry(r.q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, fmt.Errorf("%w: ledger entry with key %q", apperr.ErrNotFound, key)
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("get ledger entry %q: %w", key, err)
	}
	return e, nil
}

const betColumns = `id, title, description, category, status, closing_time, resolution_time,
	total_staked::TEXT, participant_count, COALESCE(resolved_outcome_id, ''), resolved_at,
	COALESCE(resolution_notes, ''), COALESCE(resolution_idempotency_key, ''), paid_at,
	COALESCE(cancellation_reason, ''), cancelled_at, created_at, updated_at`

func (r pgReader) GetBet(ctx context.Context, id string) (*bet.Bet, error) {
	b, err := scanBet(r.q.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE id = $1`+r.lockClause(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: bet %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	if err := r.loadOutcomes(ctx, []*bet.Bet{b}); err != nil {
		return nil, err
	}
	return b, nil
}

func (r pgReader) ListBets(ctx context.Context, status bet.Status) ([]*bet.Bet, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE $1 = '' OR status = $1
		 ORDER BY created_at DESC, id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bet.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadOutcomes(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadOutcomes fills Outcomes of every bet with one query.
func (r pgReader) loadOutcomes(ctx context.Context, bets []*bet.Bet) error {
	if len(bets) == 0 {
		return nil
	}
	ids := make([]string, len(bets))
	byID := make(map[string]*bet.Bet, len(bets))
	for i, b := range bets {
		ids[i] = b.ID
		byID[b.ID] = b
	}

	rows, err := r.q.Query(ctx,
		`SELECT id, bet_id, title, total_staked::TEXT, stake_count, created_at
		 FROM outcomes WHERE bet_id = ANY($1) ORDER BY bet_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o bet.Outcome
		var total string
		if err := rows.Scan(&o.ID, &o.BetID, &o.Title, &total, &o.StakeCount, &o.CreatedAt); err != nil {
			return err
		}
		if o.TotalStaked, err = money.Parse(total); err != nil {
			return err
		}
		b := byID[o.BetID]
		b.Outcomes = append(b.Outcomes, o)
	}
	return rows.Err()
}

const stakeColumns = `id, user_id, bet_id, outcome_id, status, amount::TEXT,
	potential_payout::TEXT, actual_payout::TEXT, idempotency_key, created_at, resolved_at`

func (r pgReader) GetStakeByKey(ctx context.Context, key string) (*stake.Stake, error) {
	st, err := scanStake(r.q.QueryRow(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: stake with key %q", apperr.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get stake %q: %w", key, err)
	}
	return st, nil
}

func (r pgReader) ListStakesByBet(ctx context.Context, betID string) ([]*stake.Stake, error) {
	return r.listStakes(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE bet_id = $1 ORDER BY created_at, id`, betID)
}

func (r pgReader) ListStakesByUser(ctx context.Context, userID string) ([]*stake.Stake, error) {
	return r.listStakes(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
}

func (r pgReader) listStakes(ctx context.Context, sql string, arg string) ([]*stake.Stake, error) {
	rows, err := r.q.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*stake.Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// pgTx is the write side of a PostgreSQL transaction.
type pgTx struct {
	pgReader
}

func (t *pgTx) CreateWallet(ctx context.Context, w *wallet.Wallet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallets (id, user_id, available, locked, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		w.ID, w.UserID, w.Available().String(), w.Locked().String(), w.CreatedAt, w.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *wallet.Wallet) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets SET available = $2::NUMERIC, locked = $3::NUMERIC, updated_at = $4
		 WHERE id = $1`,
		w.ID, w.Available().String(), w.Locked().String(), w.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, w.ID)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error {
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}
	err := t.q.QueryRow(ctx,
		`INSERT INTO ledger_entries
		   (id, wallet_id, user_id, kind, amount, released, description,
		    bet_id, stake_id, idempotency_key, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12)
		 RETURNING seq`,
		e.ID, e.WalletID, e.UserID, string(e.Kind), e.Amount.String(), e.Released.String(), e.Description,
		nullString(e.BetID), nullString(e.StakeID), nullString(e.IdempotencyKey), metadata, e.CreatedAt,
	).Scan(&e.Seq)
	return mapErr(err)
}

func (t *pgTx) CreateBet(ctx context.Context, b *bet.Bet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO bets (id, title, description, category, status, closing_time, resolution_time,
		                   total_staked, participant_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11)`,
		b.ID, b.Title, b.Description, b.Category, string(b.Status), b.ClosingTime, b.ResolutionTime,
		b.TotalStaked.String(), b.ParticipantCount, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	for i, o := range b.Outcomes {
		if _, err := t.q.Exec(ctx,
			`INSERT INTO outcomes (id, bet_id, position, title, total_staked, stake_count, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			o.ID, b.ID, i, o.Title, o.TotalStaked.String(), o.StakeCount, o.CreatedAt); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (t *pgTx) UpdateBet(ctx context.Context, b *bet.Bet) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE bets SET
		   status = $2, total_staked = $3::NUMERIC, participant_count = $4,
		   resolved_outcome_id = $5, resolved_at = $6, resolution_notes = $7,
		   resolution_idempotency_key = $8, paid_at = $9,
		   cancellation_reason = $10, cancelled_at = $11, updated_at = $12
		 WHERE id = $1`,
		b.ID, string(b.Status), b.TotalStaked.String(), b.ParticipantCount,
		nullString(b.ResolvedOutcomeID), b.ResolvedAt, nullString(b.ResolutionNotes),
		nullString(b.ResolutionIdempotencyKey), b.PaidAt,
		nullString(b.CancellationReason), b.CancelledAt, b.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: bet %s", apperr.ErrNotFound, b.ID)
	}
	for _, o := range b.Outcomes {
		if _, err := t.q.Exec(ctx,
			`UPDATE outcomes SET total_staked = $2::NUMERIC, stake_count = $3 WHERE id = $1`,
			o.ID, o.TotalStaked.String(), o.StakeCount); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (t *pgTx) InsertStake(ctx context.Context, st *stake.Stake) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO stakes (id, user_id, bet_id, outcome_id, status, amount,
		                     potential_payout, actual_payout, idempotency_key, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		st.ID, st.UserID, st.BetID, st.OutcomeID, string(st.Status), st.Amount.String(),
		nullMoney(st.PotentialPayout), nullMoney(st.ActualPayout), st.IdempotencyKey,
		st.CreatedAt, st.ResolvedAt)
	return mapErr(err)
}

func (t *pgTx) UpdateStake(ctx context.Context, st *stake.Stake) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE stakes SET status = $2, actual_payout = $3::NUMERIC, resolved_at = $4 WHERE id = $1`,
		st.ID, string(st.Status), nullMoney(st.ActualPayout), st.ResolvedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stake %s", apperr.ErrNotFound, st.ID)
	}
	return nil
}

// mapErr translates unique violations into ErrDuplicateKey and data
// exceptions (class 22, e.g. numeric overflow) into validation errors.
// Neither succeeds on retry.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "23505":
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	case strings.HasPrefix(pgErr.Code, "22"):
		return fmt.Errorf("%w: %s", apperr.ErrValidation, pgErr.Message)
	}
	return err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullMoney(m *money.Money) *string {
	if m == nil {
		return nil
	}
	s := m.String()
	return &s
}

func parseNullMoney(s *string) (*money.Money, error) {
	if s == nil {
		return nil, nil
	}
	m, err := money.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanWallet(row pgx.Row) (*wallet.Wallet, error) {
	var (
		id, userID        string
		available, locked string
		createdAt         time.Time
		updatedAt         *time.Time
	)
	if err := row.Scan(&id, &userID, &available, &locked, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a, err := money.Parse(available)
	if err != nil {
		return nil, err
	}
	l, err := money.Parse(locked)
	if err != nil {
		return nil, err
	}
	return wallet.Restore(id, userID, a, l, createdAt, updatedAt), nil
}

func scanLedgerEntry(row pgx.Row) (ledger.Entry, error) {
	var e ledger.Entry
	var kind, amount, released string
	if err := row.Scan(&e.Seq, &e.ID, &e.WalletID, &e.UserID, &kind, &amount, &released, &e.Description,
		&e.BetID, &e.StakeID, &e.IdempotencyKey, &e.Metadata, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	e.Kind = ledger.Kind(kind)

	var err error
	if e.Amount, err = money.Parse(amount); err != nil {
		return ledger.Entry{}, err
	}
	if e.Released, err = money.Parse(released); err != nil {
		return ledger.Entry{}, err
	}
	return e, nil
}

func scanLedgerEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanBet(row pgx.Row) (*bet.Bet, error) {
	var b bet.Bet
	var status, total string
	if err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Category, &status,
		&b.ClosingTime, &b.ResolutionTime, &total, &b.ParticipantCount,
		&b.ResolvedOutcomeID, &b.ResolvedAt, &b.ResolutionNotes, &b.ResolutionIdempotencyKey,
		&b.PaidAt, &b.CancellationReason, &b.CancelledAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = bet.Status(status)

	var err error
	if b.TotalStaked, err = money.Parse(total); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanStake(row pgx.Row) (*stake.Stake, error) {
	var st stake.Stake
	var status, amount string
	var potential, actual *string
	if err := row.Scan(&st.ID, &st.UserID, &st.BetID, &st.OutcomeID, &status, &amount,
		&potential, &actual, &st.IdempotencyKey, &st.CreatedAt, &st.ResolvedAt); err != nil {
		return nil, err
	}
	st.Status = stake.Status(status)

	var err error
	if st.Amount, err = money.Parse(amount); err != nil {
		return nil, err
	}
	if st.PotentialPayout, err = parseNullMoney(potential); err != nil {
		return nil, err
	}
	if st.ActualPayout, err = parseNullMoney(actual); err != nil {
		return nil, err
	}
	return &st, nil
}
