package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/sketchsync/internal/models"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		a        models.LogicalTimestamp
		b        models.LogicalTimestamp
		expected int
	}{
		{
			name:     "a older than b",
			a:        models.LogicalTimestamp{Time: 10, ClientID: "client-a"},
			b:        models.LogicalTimestamp{Time: 20, ClientID: "client-b"},
			expected: -1,
		},
		{
			name:     "a newer than b",
			a:        models.LogicalTimestamp{Time: 30, ClientID: "client-a"},
			b:        models.LogicalTimestamp{Time: 20, ClientID: "client-b"},
			expected: 1,
		},
		{
			name:     "equal time, clientID breaks tie",
			a:        models.LogicalTimestamp{Time: 10, ClientID: "client-b"},
			b:        models.LogicalTimestamp{Time: 10, ClientID: "client-a"},
			expected: 1,
		},
		{
			name:     "equal time, reverse tie",
			a:        models.LogicalTimestamp{Time: 10, ClientID: "client-a"},
			b:        models.LogicalTimestamp{Time: 10, ClientID: "client-b"},
			expected: -1,
		},
		{
			name:     "identical timestamps",
			a:        models.LogicalTimestamp{Time: 10, ClientID: "client-a"},
			b:        models.LogicalTimestamp{Time: 10, ClientID: "client-a"},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Compare(tt.a, tt.b))
		})
	}
}

func TestClock_Now_Monotonic(t *testing.T) {
	clock := NewClockWithClientID("client-1")

	// Замораживаем wall-clock: все вызовы в одной миллисекунде
	frozen := time.UnixMilli(1000)
	clock.SetNowFunc(func() time.Time { return frozen })

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	assert.Equal(t, int64(1000), first.Time)
	assert.Greater(t, second.Time, first.Time, "timestamps must be strictly increasing")
	assert.Greater(t, third.Time, second.Time, "timestamps must be strictly increasing")
}

func TestClock_Now_WallClockAdvances(t *testing.T) {
	clock := NewClockWithClientID("client-1")

	current := time.UnixMilli(1000)
	clock.SetNowFunc(func() time.Time { return current })

	first := clock.Now()
	require.Equal(t, int64(1000), first.Time)

	// Wall-clock ушел вперед - используется он, а не last+1
	current = time.UnixMilli(5000)
	second := clock.Now()
	assert.Equal(t, int64(5000), second.Time)
}

func TestClock_ClientID(t *testing.T) {
	clock := NewClockWithClientID("stable-id")
	assert.Equal(t, "stable-id", clock.ClientID())

	ts := clock.Now()
	assert.Equal(t, "stable-id", ts.ClientID, "timestamps carry the clock's clientID")
}

func TestNewClock_UniqueClientIDs(t *testing.T) {
	a := NewClock()
	b := NewClock()

	require.NotEmpty(t, a.ClientID())
	require.NotEmpty(t, b.ClientID())
	assert.NotEqual(t, a.ClientID(), b.ClientID(), "each clock gets its own clientID")
}
