package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestStore_AppendAndRecent(t *testing.T) {
	s := openTestStore(t)

	for i, status := range []string{"completed", "failed", "completed"} {
		require.NoError(t, s.Append(&Record{
			HandoffID:   "h-" + string(rune('a'+i)),
			SourceAgent: "coder",
			TargetAgent: "reviewer",
			TaskID:      "t-1",
			Confidence:  0.8,
			Status:      status,
			DurationMs:  int64(100 * (i + 1)),
			CreatedAt:   time.Now(),
		}))
	}

	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "h-c", recent[0].HandoffID, "newest first")
	assert.Equal(t, "h-b", recent[1].HandoffID)
}

func TestStore_CountByStatus(t *testing.T) {
	s := openTestStore(t)

	for _, status := range []string{"completed", "completed", "declined", "failed"} {
		require.NoError(t, s.Append(&Record{HandoffID: "h", Status: status, CreatedAt: time.Now()}))
	}

	counts, err := s.CountByStatus()
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts["completed"])
	assert.EqualValues(t, 1, counts["declined"])
	assert.EqualValues(t, 1, counts["failed"])
}
