// ABOUTME: Tests for shared arena message helpers
// ABOUTME: Covers retry delay encoding/parsing and per-agent path lookup

package arena

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryResponse_RoundTripsDelay(t *testing.T) {
	resp := RetryResponse(1500 * time.Millisecond)

	assert.Equal(t, ResponseRetry, resp.ErrorMsg)
	assert.Equal(t, []string{"1.500"}, resp.Args)

	delay, err := resp.RetryAfter()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, delay)
}

func TestRetryResponse_RoundsUpToMillisecond(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		arg   string
	}{
		{"zero", 0, "0.001"},
		{"sub-millisecond", 300 * time.Microsecond, "0.001"},
		{"fractional", 2*time.Millisecond + time.Nanosecond, "0.003"},
		{"exact", 40 * time.Millisecond, "0.040"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := RetryResponse(tt.delay)
			assert.Equal(t, []string{tt.arg}, resp.Args)

			delay, err := resp.RetryAfter()
			require.NoError(t, err)
			assert.GreaterOrEqual(t, delay, MinRetryDelay)
		})
	}
}

func TestRetryAfter_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp AgentResponse
	}{
		{"not a retry", AgentResponse{ErrorMsg: ResponseWaitPlan}},
		{"missing delay", AgentResponse{ErrorMsg: ResponseRetry}},
		{"garbage delay", AgentResponse{ErrorMsg: ResponseRetry, Args: []string{"soon"}}},
		{"negative delay", AgentResponse{ErrorMsg: ResponseRetry, Args: []string{"-1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.resp.RetryAfter()
			assert.Error(t, err)
		})
	}
}

func TestAgentPaths_FindFirstMatch(t *testing.T) {
	paths := AgentPaths{AgentPaths: []AssignedPath{
		{AgentID: "A_01", Path: []Transform{{Translation: Vector3{X: 1}}}},
		{AgentID: "A_02", Path: []Transform{{Translation: Vector3{X: 2}}}},
		{AgentID: "A_02", Path: []Transform{{Translation: Vector3{X: 3}}}},
	}}

	got, ok := paths.Find("A_02")
	require.True(t, ok)
	assert.Equal(t, 2.0, got.Path[0].Translation.X)

	_, ok = paths.Find("A_03")
	assert.False(t, ok)
}

func TestVector3_Arithmetic(t *testing.T) {
	a := Vector3{X: 1, Y: 2, Z: 3}
	b := Vector3{X: 0.5, Y: 1, Z: -1}

	assert.Equal(t, Vector3{X: 1.5, Y: 3, Z: 2}, a.Add(b))
	assert.Equal(t, Vector3{X: 0.5, Y: 1, Z: 4}, a.Sub(b))
}
