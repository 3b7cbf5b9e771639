package fabricerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorStringIncludesRetryAfter(t *testing.T) {
	assert.Equal(t, "rate_limit_exceeded: rate limit exceeded (retry after 30s)",
		RateLimited(30).Error())
	assert.Equal(t, "ai_disabled: ai features are disabled", AIDisabled().Error())
}

func TestErrorsIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("pipeline: %w", RateLimited(5))
	assert.True(t, errors.Is(err, RateLimited(99)), "same code, different payload")
	assert.False(t, errors.Is(err, QuotaExceeded(1, 1, 1)))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeCircuitOpen, CodeOf(CircuitOpen("inference", 10)))
	assert.Equal(t, CodeCircuitOpen, CodeOf(fmt.Errorf("wrapped: %w", CircuitOpen("x", 1))))
	assert.Empty(t, CodeOf(errors.New("plain")))
	assert.Empty(t, CodeOf(nil))
}

func TestSerializedShape(t *testing.T) {
	b, err := json.Marshal(QuotaExceeded(101, 100, 3600))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "quota_exceeded", m["error_code"])
	assert.Equal(t, float64(3600), m["retry_after"])
	details := m["details"].(map[string]any)
	assert.Equal(t, float64(101), details["current"])
	assert.Equal(t, float64(100), details["limit"])
}

func TestSerializedShapeOmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(AIDisabled())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.NotContains(t, m, "retry_after")
	assert.NotContains(t, m, "details")
}

func TestPhaseViolationDetails(t *testing.T) {
	err := PhaseViolation("READ_ONLY", "EXECUTION")
	assert.Equal(t, "READ_ONLY", err.Details["current_phase"])
	assert.Equal(t, "EXECUTION", err.Details["required_phase"])
}

func TestApprovalRequiredCarriesToken(t *testing.T) {
	err := ApprovalRequired("a-1", "tok-abc")
	assert.Equal(t, "a-1", err.Details["action_id"])
	assert.Equal(t, "tok-abc", err.Details["approval_token"])
}

func TestTokenFailureOf(t *testing.T) {
	kind, ok := TokenFailureOf(TokenInvalid(TokenPlanDrift))
	require.True(t, ok)
	assert.Equal(t, TokenPlanDrift, kind)

	kind, ok = TokenFailureOf(fmt.Errorf("redeem: %w", TokenInvalid(TokenExpired)))
	require.True(t, ok)
	assert.Equal(t, TokenExpired, kind)

	_, ok = TokenFailureOf(RateLimited(1))
	assert.False(t, ok)
	_, ok = TokenFailureOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestPromptUnsafeCarriesScore(t *testing.T) {
	err := PromptUnsafe(0.85)
	assert.Equal(t, CodePromptUnsafe, err.Code)
	assert.Equal(t, 0.85, err.Details["risk_score"])
}
