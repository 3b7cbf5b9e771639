package approval

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = func() []byte {
	k := sha256.Sum256([]byte("test-hmac-key"))
	return k[:]
}()

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey, 10*time.Minute)
	require.NoError(t, err)
	return c
}

func planHashOf(seed string) [planHashLen]byte {
	return sha256.Sum256([]byte(seed))
}

func TestNewCodecRejectsShortKey(t *testing.T) {
	_, err := NewCodec([]byte("short"), time.Minute)
	assert.Error(t, err)
}

func TestMintAndDecodeRoundTrip(t *testing.T) {
	c := testCodec(t)
	hash := planHashOf("plan-1")

	tok, encoded, err := c.Mint("tenant-a", "action-1", "user-1", hash)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, decoded.ID)
	assert.Equal(t, "tenant-a", decoded.TenantID)
	assert.Equal(t, "action-1", decoded.ActionID)
	assert.Equal(t, "user-1", decoded.Approver)
	assert.Equal(t, hash, decoded.PlanHash)
	assert.Equal(t, tok.IssuedAt, decoded.IssuedAt)
	assert.Equal(t, tok.ExpiresAt, decoded.ExpiresAt)
	assert.Equal(t, tok.IssuedAt.Add(10*time.Minute), tok.ExpiresAt)
}

func TestDecodeRejectsTampering(t *testing.T) {
	c := testCodec(t)
	_, encoded, err := c.Mint("tenant-a", "action-1", "user-1", planHashOf("p"))
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	require.NoError(t, err)

	// Flip a byte in the tenant region.
	raw[40] ^= 0xff
	_, err = c.Decode(base64.RawURLEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestDecodeRejectsWrongKey(t *testing.T) {
	c := testCodec(t)
	_, encoded, err := c.Mint("tenant-a", "action-1", "user-1", planHashOf("p"))
	require.NoError(t, err)

	otherKey := sha256.Sum256([]byte("other"))
	other, err := NewCodec(otherKey[:], time.Minute)
	require.NoError(t, err)

	_, err = other.Decode(encoded)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := testCodec(t)
	for _, bad := range []string{"", "!!!not-base64!!!", "aGVsbG8"} {
		_, err := c.Decode(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestVerifyHappyPath(t *testing.T) {
	c := testCodec(t)
	reg := NewRegistry()
	hash := planHashOf("p")
	_, encoded, err := c.Mint("tenant-a", "action-1", "user-1", hash)
	require.NoError(t, err)

	tok, err := c.Verify(encoded, reg, "tenant-a", "action-1", hash)
	require.NoError(t, err)
	assert.True(t, reg.IsConsumed(tok.ID))
}

func TestVerifyExpired(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c := testCodec(t).WithClock(func() time.Time { return now })
	hash := planHashOf("p")
	_, encoded, err := c.Mint("tenant-a", "action-1", "user-1", hash)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = c.Verify(encoded, NewRegistry(), "tenant-a", "action-1", hash)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyWrongTenant(t *testing.T) {
	c := testCodec(t)
	hash := planHashOf("p")
	_, encoded, _ := c.Mint("tenant-a", "action-1", "user-1", hash)

	reg := NewRegistry()
	_, err := c.Verify(encoded, reg, "tenant-b", "action-1", hash)
	assert.ErrorIs(t, err, ErrWrongTenant)
	assert.Zero(t, reg.Len(), "failed verification must not consume")
}

func TestVerifyPlanDrift(t *testing.T) {
	c := testCodec(t)
	_, encoded, _ := c.Mint("tenant-a", "action-1", "user-1", planHashOf("p1"))

	reg := NewRegistry()
	_, err := c.Verify(encoded, reg, "tenant-a", "action-1", planHashOf("p2"))
	assert.ErrorIs(t, err, ErrPlanDrift)
	assert.Zero(t, reg.Len(), "drift must not consume the token")
}

func TestVerifyWrongAction(t *testing.T) {
	c := testCodec(t)
	hash := planHashOf("p")
	_, encoded, _ := c.Mint("tenant-a", "action-1", "user-1", hash)

	_, err := c.Verify(encoded, NewRegistry(), "tenant-a", "action-2", hash)
	assert.ErrorIs(t, err, ErrWrongAction)
}

func TestVerifySingleUse(t *testing.T) {
	c := testCodec(t)
	reg := NewRegistry()
	hash := planHashOf("p")
	_, encoded, _ := c.Mint("tenant-a", "action-1", "user-1", hash)

	_, err := c.Verify(encoded, reg, "tenant-a", "action-1", hash)
	require.NoError(t, err)

	_, err = c.Verify(encoded, reg, "tenant-a", "action-1", hash)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestVerifyConcurrentReplayExactlyOneWins(t *testing.T) {
	c := testCodec(t)
	reg := NewRegistry()
	hash := planHashOf("p")
	_, encoded, _ := c.Mint("tenant-a", "action-1", "user-1", hash)

	const attempts = 10
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = c.Verify(encoded, reg, "tenant-a", "action-1", hash)
		}(i)
	}
	wg.Wait()

	wins, replays := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case assert.ErrorIs(t, err, ErrAlreadyUsed):
			replays++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, replays)
}

func TestRegistrySweepDropsExpiredEntries(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry().WithClock(func() time.Time { return now })

	var id1, id2 [tokenIDLen]byte
	id1[0], id2[0] = 1, 2
	reg.Consume(id1, now.Add(5*time.Minute))
	reg.Consume(id2, now.Add(30*time.Minute))

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, reg.Sweep())
	assert.False(t, reg.IsConsumed(id1))
	assert.True(t, reg.IsConsumed(id2))
}
