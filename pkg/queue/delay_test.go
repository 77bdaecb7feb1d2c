package queue

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberRoundTrip(t *testing.T) {
	deliverAt := time.Now().Truncate(time.Millisecond)
	score := strconv.FormatInt(deliverAt.UnixMilli(), 10)

	msg, err := parseMember(member("sbx-123", ActionPause), score)
	require.NoError(t, err)
	assert.Equal(t, "sbx-123", msg.SandboxID)
	assert.Equal(t, ActionPause, msg.Action)
	assert.Equal(t, deliverAt.UnixMilli(), msg.DeliverAt.UnixMilli())
}

func TestParseMemberSandboxIDWithColons(t *testing.T) {
	// Sandbox ids may contain colons; only the last separator counts.
	msg, err := parseMember("user:session:42:delete", "1700000000000")
	require.NoError(t, err)
	assert.Equal(t, "user:session:42", msg.SandboxID)
	assert.Equal(t, ActionDelete, msg.Action)
}

func TestParseMemberMalformed(t *testing.T) {
	tests := []struct {
		name, member, score string
	}{
		{"no separator", "sbx123pause", "1700000000000"},
		{"unknown action", "sbx-1:restart", "1700000000000"},
		{"empty sandbox id", ":pause", "1700000000000"},
		{"bad score", "sbx-1:pause", "not-a-number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseMember(tt.member, tt.score)
			assert.Error(t, err)
		})
	}
}

func TestMemberIsDeterministic(t *testing.T) {
	// Rescheduling must replace the previous entry, which relies on the
	// member string being stable for a (sandbox, action) pair.
	assert.Equal(t, member("sbx-1", ActionPause), member("sbx-1", ActionPause))
	assert.NotEqual(t, member("sbx-1", ActionPause), member("sbx-1", ActionDelete))
}
