package schemas

import (
	"math"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateKind(t *testing.T) {
	tests := []struct {
		state    SessionStateKind
		valid    bool
		dispatch bool
	}{
		{StateCold, true, false},
		{StateWarmingUp, true, true},
		{StateActive, true, true},
		{StateCoolingDown, true, false},
		{StateRestricted, true, false},
		{"banned", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.state.Valid())
			assert.Equal(t, tt.dispatch, tt.state.PermitsDispatch())
		})
	}
}

func TestWindowKindLength(t *testing.T) {
	assert.Equal(t, time.Hour, WindowHour.Length())
	assert.Equal(t, 24*time.Hour, WindowDay.Length())
	assert.Equal(t, 7*24*time.Hour, WindowWeek.Length())
	assert.Zero(t, WindowKind("month").Length())
}

func TestOutcomeValid(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomeTransientError, OutcomeRateLimited, OutcomeDetectionSignal, OutcomeAuthExpired} {
		assert.True(t, o.Valid(), o)
	}
	assert.False(t, Outcome("timeout").Valid())
}

func TestContentItemEngagement(t *testing.T) {
	assert.Equal(t, 7, ContentItem{Likes: 5, CommentsCount: 2}.Engagement())
	assert.Equal(t, math.MaxInt, ContentItem{Likes: math.MaxInt, CommentsCount: 1}.Engagement())
	assert.Equal(t, math.MaxInt, ContentItem{Likes: math.MaxInt - 3, CommentsCount: math.MaxInt}.Engagement())
}

func TestReport_ErrorIsNotSerialized(t *testing.T) {
	data, err := json.Marshal(Report{RequestID: "r1", Status: StatusFailed, Err: assert.AnError})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "assert.AnError")
	assert.Contains(t, string(data), `"status":"failed"`)
}

func TestActionRequest_JSONTags(t *testing.T) {
	var req ActionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","action_type":"comment","target":"p","priority":3,"payload":{"text":"hi"}}`), &req))
	assert.Equal(t, ActionComment, req.ActionType)
	assert.Equal(t, 3, req.Priority)
	assert.JSONEq(t, `{"text":"hi"}`, string(req.Payload))
}
