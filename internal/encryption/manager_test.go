package encryption

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestLocalSealOpen(t *testing.T) {
	em, err := NewLocalEncryptionManager(testKey())
	require.NoError(t, err)
	ctx := context.Background()

	sealed, err := em.Seal(ctx, []byte("JBSWY3DPEHPK3PXP"), "totp:identity-1")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "JBSWY3DPEHPK3PXP")

	em.ClearCache()
	plain, err := em.Open(ctx, sealed, "totp:identity-1")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", string(plain))
	assert.Equal(t, 1, em.GetCacheSize())
}

func TestOpenRejectsWrongPurpose(t *testing.T) {
	em, err := NewLocalEncryptionManager(testKey())
	require.NoError(t, err)
	ctx := context.Background()

	sealed, err := em.Seal(ctx, []byte("secret"), "totp:identity-1")
	require.NoError(t, err)

	_, err = em.Open(ctx, sealed, "totp:identity-2")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenRejectsOtherLocalKey(t *testing.T) {
	a, err := NewLocalEncryptionManager(testKey())
	require.NoError(t, err)
	b, err := NewLocalEncryptionManager(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	sealed, err := a.Seal(context.Background(), []byte("secret"), "p")
	require.NoError(t, err)
	_, err = b.Open(context.Background(), sealed, "p")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestLocalKeyLength(t *testing.T) {
	_, err := NewLocalEncryptionManager([]byte("short"))
	assert.ErrorIs(t, err, ErrNoLocalKey)
}

// fakeKMS wraps data keys by XOR so Decrypt can recover them.
type fakeKMS struct {
	fail  bool
	calls int
}

func (f *fakeKMS) GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.fail {
		return nil, errors.New("throttled")
	}
	plain := bytes.Repeat([]byte{3}, 32)
	return &kms.GenerateDataKeyOutput{Plaintext: plain, CiphertextBlob: xor(plain), KeyId: in.KeyId}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.calls++
	return &kms.DecryptOutput{Plaintext: xor(in.CiphertextBlob)}, nil
}

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5a
	}
	return out
}

func TestKMSEnvelope(t *testing.T) {
	svc := &fakeKMS{}
	em := &EncryptionManager{kmsClient: svc, keyID: "arn:aws:kms:test"}
	ctx := context.Background()

	sealed, err := em.Seal(ctx, []byte("secret"), "p")
	require.NoError(t, err)

	em.ClearCache()
	plain, err := em.Open(ctx, sealed, "p")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))
	assert.Equal(t, 1, svc.calls)

	_, err = em.Open(ctx, sealed, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.calls, "data key served from cache")

	svc.fail = true
	_, err = em.Seal(ctx, []byte("x"), "p")
	assert.Error(t, err)
}
