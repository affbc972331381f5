package solana

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// AccountMeta describes one account referenced by an instruction.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is a signed legacy transaction.
type Transaction struct {
	Signatures [][]byte
	Message    []byte
}

// Signer signs serialized messages.
type Signer interface {
	PublicKey() PublicKey
	Sign(message []byte) []byte
}

type messageHeader struct {
	numRequiredSignatures       uint8
	numReadonlySignedAccounts   uint8
	numReadonlyUnsignedAccounts uint8
}

// CompileMessage encodes instructions into a legacy message with payer as
// the first account.
func CompileMessage(payer PublicKey, recentBlockhash string, instructions []Instruction) ([]byte, int, error) {
	if len(instructions) == 0 {
		return nil, 0, errors.New("no instructions")
	}
	hash, err := base58.Decode(recentBlockhash)
	if err != nil || len(hash) != 32 {
		return nil, 0, fmt.Errorf("invalid blockhash %q", recentBlockhash)
	}

	type entry struct {
		key      PublicKey
		signer   bool
		writable bool
	}
	order := []PublicKey{payer}
	entries := map[PublicKey]*entry{payer: {key: payer, signer: true, writable: true}}
	add := func(key PublicKey, signer, writable bool) {
		if e, ok := entries[key]; ok {
			e.signer = e.signer || signer
			e.writable = e.writable || writable
			return
		}
		entries[key] = &entry{key: key, signer: signer, writable: writable}
		order = append(order, key)
	}
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			add(acc.PublicKey, acc.IsSigner, acc.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	// Stable partition: writable signers, readonly signers, writable, readonly.
	var keys []PublicKey
	var header messageHeader
	for pass := 0; pass < 4; pass++ {
		for _, k := range order {
			e := entries[k]
			switch {
			case pass == 0 && e.signer && e.writable,
				pass == 1 && e.signer && !e.writable,
				pass == 2 && !e.signer && e.writable,
				pass == 3 && !e.signer && !e.writable:
				keys = append(keys, k)
				if e.signer {
					header.numRequiredSignatures++
					if !e.writable {
						header.numReadonlySignedAccounts++
					}
				} else if !e.writable {
					header.numReadonlyUnsignedAccounts++
				}
			}
		}
	}
	index := make(map[PublicKey]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	msg := []byte{header.numRequiredSignatures, header.numReadonlySignedAccounts, header.numReadonlyUnsignedAccounts}
	msg = appendShortVec(msg, len(keys))
	for _, k := range keys {
		msg = append(msg, k[:]...)
	}
	msg = append(msg, hash...)
	msg = appendShortVec(msg, len(instructions))
	for _, ix := range instructions {
		msg = append(msg, byte(index[ix.ProgramID]))
		msg = appendShortVec(msg, len(ix.Accounts))
		for _, acc := range ix.Accounts {
			msg = append(msg, byte(index[acc.PublicKey]))
		}
		msg = appendShortVec(msg, len(ix.Data))
		msg = append(msg, ix.Data...)
	}
	return msg, int(header.numRequiredSignatures), nil
}

// NewSignedTransaction compiles and signs a transaction. The first signer pays fees.
func NewSignedTransaction(recentBlockhash string, instructions []Instruction, signers ...Signer) (*Transaction, error) {
	if len(signers) == 0 {
		return nil, errors.New("at least one signer required")
	}
	msg, required, err := CompileMessage(signers[0].PublicKey(), recentBlockhash, instructions)
	if err != nil {
		return nil, err
	}
	if required != len(signers) {
		return nil, fmt.Errorf("message requires %d signatures, have %d signers", required, len(signers))
	}
	tx := &Transaction{Message: msg}
	for _, s := range signers {
		tx.Signatures = append(tx.Signatures, s.Sign(msg))
	}
	return tx, nil
}

// Signature returns the base58 transaction id (first signature).
func (tx *Transaction) Signature() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return base58.Encode(tx.Signatures[0])
}

// Serialize returns the wire encoding.
func (tx *Transaction) Serialize() []byte {
	out := appendShortVec(nil, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		out = append(out, sig...)
	}
	return append(out, tx.Message...)
}

// Base64 returns the wire encoding as base64, the format sendTransaction expects.
func (tx *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(tx.Serialize())
}

func appendShortVec(b []byte, n int) []byte {
	for {
		elem := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}
