package crdt

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/sketchsync/internal/models"
)

// Compare сравнивает два логических timestamp.
// Возвращает знак разности a.Time - b.Time; при равных Time
// сравниваются ClientID лексикографически (для детерминизма).
// Результат: -1 если a старше, +1 если a новее, 0 если равны.
func Compare(a, b models.LogicalTimestamp) int {
	if a.Time < b.Time {
		return -1
	}
	if a.Time > b.Time {
		return 1
	}
	return strings.Compare(a.ClientID, b.ClientID)
}

// Clock выдает логические timestamp для локальных мутаций:
// wall-clock миллисекунды плюс стабильный ClientID клиента.
// Гарантирует монотонность внутри процесса: два последовательных
// вызова Now никогда не вернут одинаковый Time.
type Clock struct {
	clientID string
	now      func() time.Time
	last     int64
	mu       sync.Mutex
}

// NewClock создает часы с уникальным ClientID (UUID)
func NewClock() *Clock {
	return NewClockWithClientID(uuid.New().String())
}

// NewClockWithClientID создает часы с заданным ClientID.
// Используется в тестах и при восстановлении сессии.
func NewClockWithClientID(clientID string) *Clock {
	return &Clock{
		clientID: clientID,
		now:      time.Now,
	}
}

// ClientID возвращает идентификатор клиента
func (c *Clock) ClientID() string {
	return c.clientID
}

// Now возвращает timestamp текущего момента.
// При вызовах внутри одной миллисекунды Time монотонно растет.
func (c *Clock) Now() models.LogicalTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms

	return models.LogicalTimestamp{
		Time:     ms,
		ClientID: c.clientID,
	}
}

// SetNowFunc подменяет источник времени. Только для тестов.
func (c *Clock) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
