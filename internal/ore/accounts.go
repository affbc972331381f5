package ore

import (
	"encoding/binary"
	"fmt"

	"ore-agent/internal/domain"
	"ore-agent/internal/solana"
)

// Account layout sizes, discriminator included.
const (
	discriminatorSize = 8
	BoardAccountSize  = discriminatorSize + 4*8
	RoundAccountSize  = discriminatorSize + 8 + domain.SquareCount*8 + 32 + domain.SquareCount*8 + 2*8 + 2*32 + 5*8
	MinerAccountSize  = discriminatorSize + 32 + domain.SquareCount*8 + 6*8
	ConfigMinSize     = discriminatorSize + 32
)

type reader struct {
	data []byte
	off  int
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes32() [32]byte {
	var out [32]byte
	copy(out[:], r.data[r.off:r.off+32])
	r.off += 32
	return out
}

func (r *reader) pubkey() string {
	return solana.PublicKey(r.bytes32()).String()
}

func checkSize(kind string, data []byte, min int) error {
	if len(data) < min {
		return fmt.Errorf("%s account too short: %d < %d", kind, len(data), min)
	}
	return nil
}

// DecodeBoard decodes the board account.
func DecodeBoard(data []byte) (*domain.Board, error) {
	if err := checkSize("board", data, BoardAccountSize); err != nil {
		return nil, err
	}
	r := &reader{data: data, off: discriminatorSize}
	return &domain.Board{
		RoundID:   r.u64(),
		StartSlot: r.u64(),
		EndSlot:   r.u64(),
		EpochID:   r.u64(),
	}, nil
}

// DecodeRound decodes a round account.
func DecodeRound(data []byte) (*domain.Round, error) {
	if err := checkSize("round", data, RoundAccountSize); err != nil {
		return nil, err
	}
	r := &reader{data: data, off: discriminatorSize}
	round := &domain.Round{ID: r.u64()}
	for i := range round.Deployed {
		round.Deployed[i] = r.u64()
	}
	round.SlotHash = r.bytes32()
	for i := range round.Count {
		round.Count[i] = r.u64()
	}
	round.ExpiresAt = r.u64()
	round.Motherlode = r.u64()
	round.RentPayer = r.pubkey()
	round.TopMiner = r.pubkey()
	round.TopMinerReward = r.u64()
	round.TotalDeployed = r.u64()
	round.TotalMiners = r.u64()
	round.TotalVaulted = r.u64()
	round.TotalWinnings = r.u64()
	return round, nil
}

// DecodeMiner decodes a miner account.
func DecodeMiner(data []byte) (*domain.Miner, error) {
	if err := checkSize("miner", data, MinerAccountSize); err != nil {
		return nil, err
	}
	r := &reader{data: data, off: discriminatorSize}
	m := &domain.Miner{Authority: r.pubkey()}
	for i := range m.Deployed {
		m.Deployed[i] = r.u64()
	}
	m.RewardsSol = r.u64()
	m.RewardsOre = r.u64()
	m.RefinedOre = r.u64()
	m.CheckpointFee = r.u64()
	m.CheckpointID = r.u64()
	m.RoundID = r.u64()
	return m, nil
}

// DecodeConfigVar returns the entropy var address stored in the config account.
func DecodeConfigVar(data []byte) (solana.PublicKey, error) {
	if err := checkSize("config", data, ConfigMinSize); err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(data[discriminatorSize : discriminatorSize+32])
}

type writer struct {
	buf []byte
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) pubkey(s string) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		w.raw(make([]byte, 32))
		return
	}
	w.raw(pk.Bytes())
}

// EncodeBoard serializes a board in account layout. Used for fixtures and replays.
func EncodeBoard(b *domain.Board) []byte {
	w := &writer{buf: make([]byte, discriminatorSize, BoardAccountSize)}
	w.u64(b.RoundID)
	w.u64(b.StartSlot)
	w.u64(b.EndSlot)
	w.u64(b.EpochID)
	return w.buf
}

// EncodeRound serializes a round in account layout.
func EncodeRound(r *domain.Round) []byte {
	w := &writer{buf: make([]byte, discriminatorSize, RoundAccountSize)}
	w.u64(r.ID)
	for _, v := range r.Deployed {
		w.u64(v)
	}
	w.raw(r.SlotHash[:])
	for _, v := range r.Count {
		w.u64(v)
	}
	w.u64(r.ExpiresAt)
	w.u64(r.Motherlode)
	w.pubkey(r.RentPayer)
	w.pubkey(r.TopMiner)
	w.u64(r.TopMinerReward)
	w.u64(r.TotalDeployed)
	w.u64(r.TotalMiners)
	w.u64(r.TotalVaulted)
	w.u64(r.TotalWinnings)
	return w.buf
}

// EncodeMiner serializes a miner in account layout.
func EncodeMiner(m *domain.Miner) []byte {
	w := &writer{buf: make([]byte, discriminatorSize, MinerAccountSize)}
	w.pubkey(m.Authority)
	for _, v := range m.Deployed {
		w.u64(v)
	}
	w.u64(m.RewardsSol)
	w.u64(m.RewardsOre)
	w.u64(m.RefinedOre)
	w.u64(m.CheckpointFee)
	w.u64(m.CheckpointID)
	w.u64(m.RoundID)
	return w.buf
}

// EncodeConfig serializes a config account carrying the entropy var.
func EncodeConfig(varAddress solana.PublicKey) []byte {
	w := &writer{buf: make([]byte, discriminatorSize, ConfigMinSize)}
	w.raw(varAddress.Bytes())
	return w.buf
}
