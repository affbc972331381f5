package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

// OutcomeStore implements storage.OutcomeStore using SQLite.
// Squares are stored as a comma separated list.
type OutcomeStore struct {
	db *DB
}

// NewOutcomeStore creates a new OutcomeStore.
func NewOutcomeStore(db *DB) *OutcomeStore {
	return &OutcomeStore{db: db}
}

var _ storage.OutcomeStore = (*OutcomeStore)(nil)

const outcomeColumns = `round_id, stake_lamports, squares, placements,
	rewards_sol_delta, rewards_ore_delta, pnl_lamports, real_pnl_lamports,
	net_sol_per_ore, outcome, losses_before_win, evaluated_at`

// Insert adds an outcome. Returns ErrDuplicateKey if round_id exists.
func (s *OutcomeStore) Insert(ctx context.Context, o *domain.RoundOutcome) error {
	if o == nil || o.RoundID == 0 {
		return storage.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO round_outcomes (`+outcomeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(o.RoundID), int64(o.StakeLamports), joinSquares(o.Squares), o.Placements,
		o.RewardsSolDelta, o.RewardsOreDelta, o.PnLLamports, o.RealPnLLamports,
		o.NetSolPerOre, o.Outcome, o.LossesBeforeWin, o.EvaluatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert round outcome: %w", err)
	}
	return nil
}

// GetByRound retrieves an outcome. Returns ErrNotFound if not exists.
func (s *OutcomeStore) GetByRound(ctx context.Context, roundID uint64) (*domain.RoundOutcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM round_outcomes WHERE round_id = ?`, int64(roundID))
	o, err := scanOutcome(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get round outcome: %w", err)
	}
	return o, nil
}

// Recent returns up to limit outcomes ordered by round_id DESC.
func (s *OutcomeStore) Recent(ctx context.Context, limit int) ([]*domain.RoundOutcome, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+outcomeColumns+` FROM round_outcomes ORDER BY round_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query round outcomes: %w", err)
	}
	defer rows.Close()

	var out []*domain.RoundOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteBefore removes outcomes evaluated before the cutoff.
func (s *OutcomeStore) DeleteBefore(ctx context.Context, evaluatedBefore int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM round_outcomes WHERE evaluated_at < ?`, evaluatedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete round outcomes: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*domain.RoundOutcome, error) {
	var (
		o       domain.RoundOutcome
		roundID int64
		stake   int64
		squares string
	)
	err := row.Scan(
		&roundID, &stake, &squares, &o.Placements,
		&o.RewardsSolDelta, &o.RewardsOreDelta, &o.PnLLamports, &o.RealPnLLamports,
		&o.NetSolPerOre, &o.Outcome, &o.LossesBeforeWin, &o.EvaluatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.RoundID = uint64(roundID)
	o.StakeLamports = uint64(stake)
	o.Squares, err = splitSquares(squares)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func joinSquares(squares []int) string {
	parts := make([]string, len(squares))
	for i, sq := range squares {
		parts[i] = strconv.Itoa(sq)
	}
	return strings.Join(parts, ",")
}

func splitSquares(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse square %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}
