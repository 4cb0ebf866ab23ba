package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeBatch_IsEmpty(t *testing.T) {
	batch := NewChangeBatch()
	assert.True(t, batch.IsEmpty())
	assert.Equal(t, 0, batch.Size())

	batch.Put = append(batch.Put, &Record{ID: "shape:a", Fields: map[string]any{}})
	assert.False(t, batch.IsEmpty())
	assert.Equal(t, 1, batch.Size())

	batch.Remove = append(batch.Remove, "shape:b")
	assert.Equal(t, 2, batch.Size())
}

func TestMergeBatches_EmptySides(t *testing.T) {
	batch := NewChangeBatch()
	batch.Put = append(batch.Put, &Record{ID: "shape:a", Fields: map[string]any{}})

	assert.Same(t, batch, MergeBatches(nil, batch))
	assert.Same(t, batch, MergeBatches(batch, nil))
	assert.Same(t, batch, MergeBatches(NewChangeBatch(), batch))
	assert.Same(t, batch, MergeBatches(batch, NewChangeBatch()))
}

func TestMergeBatches_BackWinsOverlap(t *testing.T) {
	front := NewChangeBatch()
	front.Put = append(front.Put, &Record{ID: "shape:a", Fields: map[string]any{"v": "old"}})
	front.Update = append(front.Update, RecordUpdate{ID: "shape:b", After: map[string]any{"v": "old"}})

	back := NewChangeBatch()
	back.Put = append(back.Put, &Record{ID: "shape:a", Fields: map[string]any{"v": "new"}})
	back.Update = append(back.Update, RecordUpdate{ID: "shape:b", After: map[string]any{"v": "new"}})

	merged := MergeBatches(front, back)

	// Более поздняя мутация из back замещает перекрытую из front
	require.Len(t, merged.Put, 1)
	assert.Equal(t, "new", merged.Put[0].Fields["v"])
	require.Len(t, merged.Update, 1)
	assert.Equal(t, "new", merged.Update[0].After["v"])
}

func TestMergeBatches_RemoveCancelsEarlierPut(t *testing.T) {
	front := NewChangeBatch()
	front.Put = append(front.Put, &Record{ID: "shape:a", Fields: map[string]any{}})

	back := NewChangeBatch()
	back.Remove = append(back.Remove, "shape:a")

	merged := MergeBatches(front, back)

	assert.Empty(t, merged.Put, "remove in back cancels the put in front")
	assert.Equal(t, []string{"shape:a"}, merged.Remove)
}

func TestMergeBatches_PreservesDisjointMutations(t *testing.T) {
	front := NewChangeBatch()
	front.Put = append(front.Put, &Record{ID: "shape:a", Fields: map[string]any{}})
	front.Remove = append(front.Remove, "shape:x")

	back := NewChangeBatch()
	back.Put = append(back.Put, &Record{ID: "shape:b", Fields: map[string]any{}})
	back.Remove = append(back.Remove, "shape:y")

	merged := MergeBatches(front, back)

	assert.Len(t, merged.Put, 2)
	assert.ElementsMatch(t, []string{"shape:x", "shape:y"}, merged.Remove)
}

func TestMergeBatches_NoDuplicateRemoves(t *testing.T) {
	front := NewChangeBatch()
	front.Remove = append(front.Remove, "shape:a")

	back := NewChangeBatch()
	back.Remove = append(back.Remove, "shape:a")

	merged := MergeBatches(front, back)
	assert.Equal(t, []string{"shape:a"}, merged.Remove)
}
