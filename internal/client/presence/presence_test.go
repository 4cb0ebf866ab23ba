package presence

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/sketchsync/pkg/api"
)

// fakeTransport накапливает отправленные presence-пакеты
type fakeTransport struct {
	mu   sync.Mutex
	sent []api.PresencePayload
}

func (f *fakeTransport) SendPresence(p api.PresencePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
}

func (f *fakeTransport) payloads() []api.PresencePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.PresencePayload(nil), f.sent...)
}

func newTestChannel(tr *fakeTransport) *Channel {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChannel(tr, "room-1", "participant-1", "alice", "#ff0000", logger)
}

func TestChannel_SetCursor_SendsImmediately(t *testing.T) {
	tr := &fakeTransport{}
	ch := newTestChannel(tr)

	ch.SetCursor(10, 20)

	sent := tr.payloads()
	require.Len(t, sent, 1)
	assert.Equal(t, "room-1", sent[0].RoomID)
	assert.Equal(t, "participant-1", sent[0].ParticipantID)
	assert.Equal(t, "alice", sent[0].Name)
	require.NotNil(t, sent[0].Cursor)
	assert.Equal(t, 10.0, sent[0].Cursor.X)
	assert.Equal(t, 20.0, sent[0].Cursor.Y)
}

func TestChannel_SetCursor_ThrottlesBurst(t *testing.T) {
	tr := &fakeTransport{}
	ch := newTestChannel(tr)

	current := time.UnixMilli(1_000_000)
	ch.SetNowFunc(func() time.Time { return current })

	// Burst внутри одного окна троттлинга: уходит только первый пакет,
	// последняя позиция ждет trailing-таймер
	ch.SetCursor(1, 1)
	current = current.Add(5 * time.Millisecond)
	ch.SetCursor(2, 2)
	current = current.Add(5 * time.Millisecond)
	ch.SetCursor(3, 3)

	require.Len(t, tr.payloads(), 1)
	assert.Equal(t, 1.0, tr.payloads()[0].Cursor.X)

	// Trailing-таймер отправляет последнюю позицию burst'а
	require.Eventually(t, func() bool {
		return len(tr.payloads()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, tr.payloads()[1].Cursor.X)
}

func TestChannel_ClearCursor(t *testing.T) {
	tr := &fakeTransport{}
	ch := newTestChannel(tr)

	ch.ClearCursor()

	sent := tr.payloads()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].Cursor, "cleared cursor is sent as nil")
}

func TestChannel_HandleUpdate(t *testing.T) {
	tr := &fakeTransport{}
	ch := newTestChannel(tr)

	ch.HandleUpdate(api.PresencePayload{
		RoomID:        "room-1",
		ParticipantID: "participant-2",
		Name:          "bob",
		Color:         "#00ff00",
		Cursor:        &api.Cursor{X: 5, Y: 6},
	})

	participants := ch.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, "participant-2", participants[0].ParticipantID)
	assert.Equal(t, "bob", participants[0].Name)
	require.NotNil(t, participants[0].Cursor)
	assert.Equal(t, 5.0, participants[0].Cursor.X)
}

func TestChannel_HandleUpdate_IgnoresOwnAndForeign(t *testing.T) {
	tr := &fakeTransport{}
	ch := newTestChannel(tr)

	// Собственное эхо
	ch.HandleUpdate(api.PresencePayload{RoomID: "room-1", ParticipantID: "participant-1"})
	// Чужая комната
	ch.HandleUpdate(api.PresencePayload{RoomID: "room-2", ParticipantID: "participant-3"})

	assert.Empty(t, ch.Participants())
}

func TestChannel_StaleEntriesExcluded(t *testing.T) {
	tr := &fakeTransport{}
	ch := newTestChannel(tr)

	current := time.UnixMilli(1_000_000)
	ch.SetNowFunc(func() time.Time { return current })

	ch.HandleUpdate(api.PresencePayload{
		RoomID:        "room-1",
		ParticipantID: "participant-2",
		Name:          "bob",
	})
	require.Len(t, ch.Participants(), 1)

	// Участник замолчал: запись старше StaleAfter исчезает из списка
	// даже до прохода сборщика
	current = current.Add(StaleAfter + time.Second)
	assert.Empty(t, ch.Participants())

	// Новый пакет возвращает участника
	ch.HandleUpdate(api.PresencePayload{
		RoomID:        "room-1",
		ParticipantID: "participant-2",
		Name:          "bob",
	})
	assert.Len(t, ch.Participants(), 1)
}

func TestChannel_SweepRemovesStaleEntries(t *testing.T) {
	tr := &fakeTransport{}
	ch := newTestChannel(tr)

	current := time.UnixMilli(1_000_000)
	ch.SetNowFunc(func() time.Time { return current })

	ch.HandleUpdate(api.PresencePayload{
		RoomID:        "room-1",
		ParticipantID: "participant-2",
	})

	current = current.Add(StaleAfter + time.Second)
	ch.sweep()

	ch.mu.Lock()
	remaining := len(ch.entries)
	ch.mu.Unlock()
	assert.Equal(t, 0, remaining, "sweep drops entries older than StaleAfter")
}
