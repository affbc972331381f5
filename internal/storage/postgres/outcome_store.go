package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

// OutcomeStore implements storage.OutcomeStore using PostgreSQL.
type OutcomeStore struct {
	pool *Pool
}

// NewOutcomeStore creates a new OutcomeStore.
func NewOutcomeStore(pool *Pool) *OutcomeStore {
	return &OutcomeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OutcomeStore = (*OutcomeStore)(nil)

const outcomeColumns = `
	round_id, stake_lamports, squares, placements,
	rewards_sol_delta, rewards_ore_delta, pnl_lamports, real_pnl_lamports,
	net_sol_per_ore, outcome, losses_before_win, evaluated_at`

// Insert adds an outcome. Returns ErrDuplicateKey if round_id exists.
func (s *OutcomeStore) Insert(ctx context.Context, o *domain.RoundOutcome) error {
	if o == nil || o.RoundID == 0 {
		return storage.ErrInvalidInput
	}

	squares := make([]int32, len(o.Squares))
	for i, sq := range o.Squares {
		squares[i] = int32(sq)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO round_outcomes (`+outcomeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		int64(o.RoundID), int64(o.StakeLamports), squares, o.Placements,
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
	row := s.pool.QueryRow(ctx, `SELECT `+outcomeColumns+` FROM round_outcomes WHERE round_id = $1`, int64(roundID))
	o, err := scanOutcome(row)
	if err != nil {
		if isNotFoundError(err) {
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

	rows, err := s.pool.Query(ctx, `SELECT `+outcomeColumns+` FROM round_outcomes ORDER BY round_id DESC LIMIT $1`, limit)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate round outcomes: %w", err)
	}
	return out, nil
}

// DeleteBefore removes outcomes evaluated before the cutoff.
func (s *OutcomeStore) DeleteBefore(ctx context.Context, evaluatedBefore int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM round_outcomes WHERE evaluated_at < $1`, evaluatedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete round outcomes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutcome(row pgx.Row) (*domain.RoundOutcome, error) {
	var (
		o       domain.RoundOutcome
		roundID int64
		stake   int64
		squares []int32
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
	o.Squares = make([]int, len(squares))
	for i, sq := range squares {
		o.Squares[i] = int(sq)
	}
	return &o, nil
}
