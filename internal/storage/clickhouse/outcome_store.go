package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"ore-agent/internal/domain"
	"ore-agent/internal/storage"
)

// OutcomeStore implements storage.OutcomeStore using ClickHouse.
// The table is a ReplacingMergeTree, so reads use FINAL and inserts check
// for an existing round to keep append-only semantics.
type OutcomeStore struct {
	conn *Conn
}

// NewOutcomeStore creates a new OutcomeStore.
func NewOutcomeStore(conn *Conn) *OutcomeStore {
	return &OutcomeStore{conn: conn}
}

// Compile-time interface check.
var _ storage.OutcomeStore = (*OutcomeStore)(nil)

const outcomeColumns = `round_id, stake_lamports, squares, placements,
	rewards_sol_delta, rewards_ore_delta, pnl_lamports, real_pnl_lamports,
	net_sol_per_ore, outcome, losses_before_win, evaluated_at`

// Insert adds an outcome. Returns ErrDuplicateKey if round_id exists.
func (s *OutcomeStore) Insert(ctx context.Context, o *domain.RoundOutcome) error {
	if o == nil || o.RoundID == 0 {
		return storage.ErrInvalidInput
	}

	var existing uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM round_outcomes FINAL WHERE round_id = ?`, o.RoundID).Scan(&existing); err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if existing > 0 {
		return storage.ErrDuplicateKey
	}

	squares := make([]int32, len(o.Squares))
	for i, sq := range o.Squares {
		squares[i] = int32(sq)
	}

	err := s.conn.Exec(ctx, `INSERT INTO round_outcomes (`+outcomeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RoundID, o.StakeLamports, squares, int32(o.Placements),
		o.RewardsSolDelta, o.RewardsOreDelta, o.PnLLamports, o.RealPnLLamports,
		o.NetSolPerOre, o.Outcome, int32(o.LossesBeforeWin), o.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert round outcome: %w", err)
	}
	return nil
}

// GetByRound retrieves an outcome. Returns ErrNotFound if not exists.
func (s *OutcomeStore) GetByRound(ctx context.Context, roundID uint64) (*domain.RoundOutcome, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+outcomeColumns+` FROM round_outcomes FINAL WHERE round_id = ?`, roundID)
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
	rows, err := s.conn.Query(ctx, `SELECT `+outcomeColumns+` FROM round_outcomes FINAL ORDER BY round_id DESC LIMIT ?`, limit)
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

// DeleteBefore removes outcomes evaluated before the cutoff. The mutation
// runs synchronously so the returned count matches what was removed.
func (s *OutcomeStore) DeleteBefore(ctx context.Context, evaluatedBefore int64) (int64, error) {
	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM round_outcomes FINAL WHERE evaluated_at < ?`, evaluatedBefore).Scan(&count); err != nil {
		return 0, fmt.Errorf("count round outcomes: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	syncCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{"mutations_sync": 2}))
	if err := s.conn.Exec(syncCtx, `ALTER TABLE round_outcomes DELETE WHERE evaluated_at < ?`, evaluatedBefore); err != nil {
		return 0, fmt.Errorf("delete round outcomes: %w", err)
	}
	return int64(count), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*domain.RoundOutcome, error) {
	var (
		o          domain.RoundOutcome
		squares    []int32
		placements int32
		losses     int32
	)
	err := row.Scan(
		&o.RoundID, &o.StakeLamports, &squares, &placements,
		&o.RewardsSolDelta, &o.RewardsOreDelta, &o.PnLLamports, &o.RealPnLLamports,
		&o.NetSolPerOre, &o.Outcome, &losses, &o.EvaluatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Placements = int(placements)
	o.LossesBeforeWin = int(losses)
	o.Squares = make([]int, len(squares))
	for i, sq := range squares {
		o.Squares[i] = int(sq)
	}
	return &o, nil
}
