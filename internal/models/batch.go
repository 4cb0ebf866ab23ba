package models

// RecordUpdate описывает обновление существующей записи:
// запись замещается целиком новой картой полей After.
type RecordUpdate struct {
	ID    string         `json:"id"`
	After map[string]any `json:"after"`
}

// ChangeBatch накапливает локальные мутации между flush'ами синхронизации.
// Один batch соответствует одному исходящему store:patch.
type ChangeBatch struct {
	Put    []*Record      `json:"put"`    // Put новые записи
	Update []RecordUpdate `json:"update"` // Update замена полей существующих записей
	Remove []string       `json:"remove"` // Remove идентификаторы удаленных записей
}

// NewChangeBatch создает пустой batch
func NewChangeBatch() *ChangeBatch {
	return &ChangeBatch{}
}

// IsEmpty возвращает true, если batch не содержит мутаций
func (b *ChangeBatch) IsEmpty() bool {
	return len(b.Put) == 0 && len(b.Update) == 0 && len(b.Remove) == 0
}

// Size возвращает общее количество мутаций в batch
func (b *ChangeBatch) Size() int {
	return len(b.Put) + len(b.Update) + len(b.Remove)
}

// MergeBatches склеивает два batch'а: front (например, восстановленный
// in-flight batch) встает перед back (накопившиеся pending правки).
// Put и Update дедуплицируются по ID - побеждает более поздняя мутация
// из back. Remove из back отменяет Put/Update по тому же ID из front.
func MergeBatches(front, back *ChangeBatch) *ChangeBatch {
	if front == nil || front.IsEmpty() {
		return back
	}
	if back == nil || back.IsEmpty() {
		return front
	}

	// Собираем ID, перекрытые более поздними мутациями
	overridden := make(map[string]bool)
	for _, rec := range back.Put {
		overridden[rec.ID] = true
	}
	for _, upd := range back.Update {
		overridden[upd.ID] = true
	}
	for _, id := range back.Remove {
		overridden[id] = true
	}

	merged := NewChangeBatch()
	for _, rec := range front.Put {
		if !overridden[rec.ID] {
			merged.Put = append(merged.Put, rec)
		}
	}
	for _, upd := range front.Update {
		if !overridden[upd.ID] {
			merged.Update = append(merged.Update, upd)
		}
	}
	seenRemove := make(map[string]bool)
	for _, id := range front.Remove {
		if !overridden[id] {
			merged.Remove = append(merged.Remove, id)
			seenRemove[id] = true
		}
	}

	merged.Put = append(merged.Put, back.Put...)
	merged.Update = append(merged.Update, back.Update...)
	for _, id := range back.Remove {
		if !seenRemove[id] {
			merged.Remove = append(merged.Remove, id)
		}
	}

	return merged
}
