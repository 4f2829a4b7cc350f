package signature

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

func TestCanonicalize_FixedWidthAndDeterministic(t *testing.T) {
	amount := decimal.RequireFromString("250.00")
	m1, err := Canonicalize("12345", "987654321012", amount)
	require.NoError(t, err)
	m2, err := Canonicalize("12345", "987654321012", amount)
	require.NoError(t, err)

	require.Equal(t, m1, m2)
	require.Len(t, m1, 2*AccountNumberWidth+AmountWidth)
	require.Equal(t, "0000000000012345"+"0000987654321012"+"000000000025000", string(m1))
}

func TestCanonicalize_AmountScaleDoesNotChangeMessage(t *testing.T) {
	a, err := Canonicalize("1", "2", decimal.RequireFromString("10"))
	require.NoError(t, err)
	b, err := Canonicalize("1", "2", decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCanonicalize_Rejects(t *testing.T) {
	cases := []struct {
		name     string
		sender   string
		receiver string
		amount   string
	}{
		{"empty sender", "", "2", "1"},
		{"non numeric", "12a", "2", "1"},
		{"too long", strings.Repeat("9", AccountNumberWidth+1), "2", "1"},
		{"zero amount", "1", "2", "0"},
		{"negative", "1", "2", "-5"},
		{"three decimals", "1", "2", "1.005"},
		{"too large", "1", "2", "10000000000000.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Canonicalize(tc.sender, tc.receiver, decimal.RequireFromString(tc.amount))
			require.ErrorIs(t, err, repository.ErrValidation)
		})
	}
}

func TestSignVerify_RoundTripAndBitFlips(t *testing.T) {
	pub, priv, err := GenerateEd25519()
	require.NoError(t, err)

	h, err := TransferHash("1001", "1002", decimal.RequireFromString("250.00"))
	require.NoError(t, err)
	sig, err := Sign(h, priv)
	require.NoError(t, err)
	require.True(t, Verify(h, sig, pub))

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	for i := 0; i < len(raw)*8; i += 37 {
		mut := append([]byte(nil), raw...)
		mut[i/8] ^= 1 << (i % 8)
		require.False(t, Verify(h, base64.StdEncoding.EncodeToString(mut), pub), "sig bit %d", i)
	}
	for i := 0; i < len(h)*8; i += 11 {
		mut := append([]byte(nil), h...)
		mut[i/8] ^= 1 << (i % 8)
		require.False(t, Verify(mut, sig, pub), "hash bit %d", i)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	_, priv, err := GenerateEd25519()
	require.NoError(t, err)
	other, _, err := GenerateEd25519()
	require.NoError(t, err)

	h := Hash([]byte("x"))
	sig, err := Sign(h, priv)
	require.NoError(t, err)
	require.False(t, Verify(h, sig, other))
	require.False(t, Verify(h, "not-base64!", other))
}

func TestVerifyTransfer(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	priv, err := ParsePrivateKeyPEM(kp.PrivatePEM)
	require.NoError(t, err)

	amount := decimal.RequireFromString("99.95")
	hashHex, sig, err := SignTransfer("111", "222", amount, priv)
	require.NoError(t, err)

	ok := Transfer{SenderNumber: "111", ReceiverNumber: "222", Amount: amount, StoredHash: hashHex, Signature: sig}
	require.NoError(t, VerifyTransfer(ok, kp.PublicPEM))

	t.Run("amount tampered", func(t *testing.T) {
		bad := ok
		bad.Amount = decimal.RequireFromString("999.95")
		require.ErrorIs(t, VerifyTransfer(bad, kp.PublicPEM), repository.ErrHashMismatch)
	})
	t.Run("stored hash tampered", func(t *testing.T) {
		bad := ok
		h, _ := hex.DecodeString(hashHex)
		h[0] ^= 0xff
		bad.StoredHash = hex.EncodeToString(h)
		require.ErrorIs(t, VerifyTransfer(bad, kp.PublicPEM), repository.ErrHashMismatch)
	})
	t.Run("signature corrupted", func(t *testing.T) {
		bad := ok
		raw, _ := base64.StdEncoding.DecodeString(sig)
		raw[10] ^= 0x01
		bad.Signature = base64.StdEncoding.EncodeToString(raw)
		require.ErrorIs(t, VerifyTransfer(bad, kp.PublicPEM), repository.ErrSignatureMismatch)
	})
	t.Run("malformed key", func(t *testing.T) {
		err := VerifyTransfer(ok, "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")
		require.True(t, errors.Is(err, repository.ErrMalformedKey))
	})
}

func TestCheckTransferHash_NeedsNoKey(t *testing.T) {
	amount := decimal.RequireFromString("10.00")
	h, err := TransferHash("111", "222", amount)
	require.NoError(t, err)

	got, err := CheckTransferHash(Transfer{SenderNumber: "111", ReceiverNumber: "222", Amount: amount, StoredHash: HashHex(h)})
	require.NoError(t, err)
	require.Equal(t, h, got)

	_, err = CheckTransferHash(Transfer{SenderNumber: "111", ReceiverNumber: "222", Amount: amount, StoredHash: "00"})
	require.ErrorIs(t, err, repository.ErrHashMismatch)

	err = VerifyHashSignature(h, base64.StdEncoding.EncodeToString(make([]byte, 64)), "garbage")
	require.ErrorIs(t, err, repository.ErrMalformedKey)
}

func TestParsePublicKeyPEM(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	pub, err := ParsePublicKeyPEM(kp.PublicPEM)
	require.NoError(t, err)
	priv, err := ParsePrivateKeyPEM(kp.PrivatePEM)
	require.NoError(t, err)
	require.True(t, MatchingPair(pub, priv))

	_, err = ParsePublicKeyPEM("garbage")
	require.ErrorIs(t, err, repository.ErrMalformedKey)
	_, err = ParsePublicKeyPEM(kp.PrivatePEM)
	require.ErrorIs(t, err, repository.ErrMalformedKey)

	fp1, err := Fingerprint(pub)
	require.NoError(t, err)
	fp2, err := Fingerprint(pub)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 64)
}
