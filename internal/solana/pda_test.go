package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"testing"
)

func TestFindProgramAddress_OffCurveAndDeterministic(t *testing.T) {
	program := MustPublicKey("oreV3EG1i9BEgiAJ8b177Z2S2rMarzak4NMv1kULvWv")
	id := make([]byte, 8)
	binary.LittleEndian.PutUint64(id, 42)

	a, bumpA, err := FindProgramAddress([][]byte{[]byte("round"), id}, program)
	if err != nil {
		t.Fatalf("FindProgramAddress: %v", err)
	}
	b, bumpB, err := FindProgramAddress([][]byte{[]byte("round"), id}, program)
	if err != nil {
		t.Fatalf("FindProgramAddress: %v", err)
	}

	if a != b || bumpA != bumpB {
		t.Errorf("expected deterministic derivation, got %s/%d and %s/%d", a, bumpA, b, bumpB)
	}
	if isOnCurve(a[:]) {
		t.Error("derived address must be off curve")
	}

	again, err := CreateProgramAddress([][]byte{[]byte("round"), id, {bumpA}}, program)
	if err != nil {
		t.Fatalf("CreateProgramAddress: %v", err)
	}
	if again != a {
		t.Errorf("CreateProgramAddress with bump mismatch: %s vs %s", again, a)
	}
}

func TestCreateProgramAddress_SeedTooLong(t *testing.T) {
	_, err := CreateProgramAddress([][]byte{bytes.Repeat([]byte{1}, 33)}, SystemProgramID)
	if err == nil {
		t.Fatal("expected error for oversized seed")
	}
}

func TestPublicKey_RoundTrip(t *testing.T) {
	pk := MustPublicKey("oreV3EG1i9BEgiAJ8b177Z2S2rMarzak4NMv1kULvWv")
	if pk.String() != "oreV3EG1i9BEgiAJ8b177Z2S2rMarzak4NMv1kULvWv" {
		t.Errorf("round trip mismatch: %s", pk)
	}
	// 33 bytes once decoded.
	if _, err := PublicKeyFromBase58("oreoR6mC2vG9BYaDMPE5VvLdYZ7W1dVVNLdcX1zCwTpu"); err == nil {
		t.Error("expected error for 33-byte key")
	}
	if _, err := PublicKeyFromBase58("short"); err == nil {
		t.Error("expected error for short key")
	}
	if !(PublicKey{}).IsZero() {
		t.Error("zero key should report IsZero")
	}
}

func TestNewSignedTransaction_OrdersAccountsAndSigns(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	kp, err := NewKeypairFromSecret(priv)
	if err != nil {
		t.Fatalf("NewKeypairFromSecret: %v", err)
	}

	program := MustPublicKey("oreV3EG1i9BEgiAJ8b177Z2S2rMarzak4NMv1kULvWv")
	writable := MustPublicKey("So11111111111111111111111111111111111111112")

	ix := Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{PublicKey: SystemProgramID},
			{PublicKey: writable, IsWritable: true},
			{PublicKey: kp.PublicKey(), IsSigner: true, IsWritable: true},
		},
		Data: []byte{2},
	}

	tx, err := NewSignedTransaction("EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", []Instruction{ix}, kp)
	if err != nil {
		t.Fatalf("NewSignedTransaction: %v", err)
	}

	msg := tx.Message
	if msg[0] != 1 || msg[1] != 0 || msg[2] != 2 {
		t.Errorf("unexpected header %v", msg[:3])
	}
	if msg[3] != 4 {
		t.Fatalf("expected 4 account keys, got %d", msg[3])
	}
	if !bytes.Equal(msg[4:36], kp.PublicKey().Bytes()) {
		t.Error("fee payer must be the first account")
	}
	if !bytes.Equal(msg[36:68], writable.Bytes()) {
		t.Error("writable non-signer must follow signers")
	}

	if !ed25519.Verify(priv.Public().(ed25519.PublicKey), msg, tx.Signatures[0]) {
		t.Error("signature does not verify")
	}
	if tx.Signature() == "" {
		t.Error("expected base58 signature")
	}

	wire := tx.Serialize()
	if wire[0] != 1 || len(wire) != 1+64+len(msg) {
		t.Errorf("unexpected wire layout, len %d", len(wire))
	}
}

func TestAppendShortVec(t *testing.T) {
	cases := map[int][]byte{
		0:     {0},
		127:   {0x7f},
		128:   {0x80, 0x01},
		16384: {0x80, 0x80, 0x01},
	}
	for n, want := range cases {
		if got := appendShortVec(nil, n); !bytes.Equal(got, want) {
			t.Errorf("shortvec(%d) = %v, want %v", n, got, want)
		}
	}
}
