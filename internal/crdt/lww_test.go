package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/sketchsync/internal/models"
)

func record(id string, fields map[string]any) *models.Record {
	return &models.Record{ID: id, Fields: fields}
}

func ts(time int64, clientID string) models.LogicalTimestamp {
	return models.LogicalTimestamp{Time: time, ClientID: clientID}
}

func TestMergeWithLWW_DisjointSets(t *testing.T) {
	local := models.RecordMap{
		"shape:a": record("shape:a", map[string]any{"x": 1.0}),
	}
	localTS := models.TimestampMap{"shape:a": ts(10, "local")}

	remote := models.RecordMap{
		"shape:b": record("shape:b", map[string]any{"x": 2.0}),
	}
	remoteTS := models.TimestampMap{"shape:b": ts(20, "remote")}

	merged, mergedTS := MergeWithLWW(local, localTS, remote, remoteTS, "local")

	// Объединение непересекающихся наборов - обе записи на месте
	require.Len(t, merged, 2)
	assert.Equal(t, map[string]any{"x": 1.0}, merged["shape:a"].Fields)
	assert.Equal(t, map[string]any{"x": 2.0}, merged["shape:b"].Fields)
	assert.Equal(t, ts(10, "local"), mergedTS["shape:a"])
	assert.Equal(t, ts(20, "remote"), mergedTS["shape:b"])
}

func TestMergeWithLWW_NewerSideWins(t *testing.T) {
	tests := []struct {
		name     string
		localTS  models.LogicalTimestamp
		remoteTS models.LogicalTimestamp
		expected string
	}{
		{
			name:     "remote newer",
			localTS:  ts(10, "local"),
			remoteTS: ts(20, "remote"),
			expected: "remote-value",
		},
		{
			name:     "local newer",
			localTS:  ts(30, "local"),
			remoteTS: ts(20, "remote"),
			expected: "local-value",
		},
		{
			name:     "equal timestamps keep local copy",
			localTS:  ts(20, "same"),
			remoteTS: ts(20, "same"),
			expected: "local-value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := models.RecordMap{
				"shape:a": record("shape:a", map[string]any{"v": "local-value"}),
			}
			remote := models.RecordMap{
				"shape:a": record("shape:a", map[string]any{"v": "remote-value"}),
			}

			merged, _ := MergeWithLWW(
				local, models.TimestampMap{"shape:a": tt.localTS},
				remote, models.TimestampMap{"shape:a": tt.remoteTS},
				"local",
			)

			require.Len(t, merged, 1)
			assert.Equal(t, tt.expected, merged["shape:a"].Fields["v"])
		})
	}
}

func TestMergeWithLWW_MissingTimestampLoses(t *testing.T) {
	// Локальная запись без timestamp против удаленной с настоящим -
	// нулевой fallback проигрывает
	local := models.RecordMap{
		"shape:a": record("shape:a", map[string]any{"v": "local"}),
	}
	remote := models.RecordMap{
		"shape:a": record("shape:a", map[string]any{"v": "remote"}),
	}
	remoteTS := models.TimestampMap{"shape:a": ts(5, "remote")}

	merged, mergedTS := MergeWithLWW(local, models.TimestampMap{}, remote, remoteTS, "local")

	assert.Equal(t, "remote", merged["shape:a"].Fields["v"])
	assert.Equal(t, ts(5, "remote"), mergedTS["shape:a"])
}

func TestMergeWithLWW_DoesNotMutateInputs(t *testing.T) {
	local := models.RecordMap{
		"shape:a": record("shape:a", map[string]any{"v": "local"}),
	}
	remote := models.RecordMap{
		"shape:a": record("shape:a", map[string]any{"v": "remote"}),
	}
	localTS := models.TimestampMap{"shape:a": ts(10, "local")}
	remoteTS := models.TimestampMap{"shape:a": ts(20, "remote")}

	merged, _ := MergeWithLWW(local, localTS, remote, remoteTS, "local")

	// Мутируем результат - входы не должны измениться
	merged["shape:a"].Fields["v"] = "mutated"

	assert.Equal(t, "local", local["shape:a"].Fields["v"])
	assert.Equal(t, "remote", remote["shape:a"].Fields["v"])
}

func TestMergeWithLWW_Deterministic(t *testing.T) {
	local := models.RecordMap{
		"shape:a": record("shape:a", map[string]any{"v": 1.0}),
		"shape:b": record("shape:b", map[string]any{"v": 2.0}),
	}
	localTS := models.TimestampMap{
		"shape:a": ts(10, "local"),
		"shape:b": ts(30, "local"),
	}
	remote := models.RecordMap{
		"shape:b": record("shape:b", map[string]any{"v": 20.0}),
		"shape:c": record("shape:c", map[string]any{"v": 3.0}),
	}
	remoteTS := models.TimestampMap{
		"shape:b": ts(20, "remote"),
		"shape:c": ts(40, "remote"),
	}

	first, firstTS := MergeWithLWW(local, localTS, remote, remoteTS, "local")
	second, secondTS := MergeWithLWW(local, localTS, remote, remoteTS, "local")

	assert.Equal(t, first, second, "same inputs must give the same merge")
	assert.Equal(t, firstTS, secondTS)
}

func TestDiffRecords_Identical(t *testing.T) {
	m := models.RecordMap{
		"shape:a": record("shape:a", map[string]any{"x": 1.0}),
		"shape:b": record("shape:b", map[string]any{"x": 2.0}),
	}

	batch := DiffRecords(m, m)
	assert.True(t, batch.IsEmpty(), "diff of a map with itself must be empty")
}

func TestDiffRecords_PutUpdateRemove(t *testing.T) {
	old := models.RecordMap{
		"shape:keep":   record("shape:keep", map[string]any{"x": 1.0}),
		"shape:change": record("shape:change", map[string]any{"x": 1.0}),
		"shape:gone":   record("shape:gone", map[string]any{"x": 1.0}),
	}
	updated := models.RecordMap{
		"shape:keep":   record("shape:keep", map[string]any{"x": 1.0}),
		"shape:change": record("shape:change", map[string]any{"x": 9.0}),
		"shape:new":    record("shape:new", map[string]any{"x": 5.0}),
	}

	batch := DiffRecords(old, updated)

	require.Len(t, batch.Put, 1)
	assert.Equal(t, "shape:new", batch.Put[0].ID)

	require.Len(t, batch.Update, 1)
	assert.Equal(t, "shape:change", batch.Update[0].ID)
	assert.Equal(t, map[string]any{"x": 9.0}, batch.Update[0].After)

	require.Len(t, batch.Remove, 1)
	assert.Equal(t, "shape:gone", batch.Remove[0])
}

func TestDiffRecords_EmptyMaps(t *testing.T) {
	batch := DiffRecords(models.RecordMap{}, models.RecordMap{})
	assert.True(t, batch.IsEmpty())

	// Все записи новые
	updated := models.RecordMap{
		"shape:a": record("shape:a", map[string]any{"x": 1.0}),
	}
	batch = DiffRecords(models.RecordMap{}, updated)
	assert.Len(t, batch.Put, 1)

	// Все записи удалены
	batch = DiffRecords(updated, models.RecordMap{})
	assert.Equal(t, []string{"shape:a"}, batch.Remove)
}
