package models

// LogicalTimestamp упорядочивает правки между клиентами без общего времени.
// Time - wall-clock миллисекунды в момент локальной мутации,
// ClientID детерминированно разрешает равные Time (лексикографически).
type LogicalTimestamp struct {
	Time     int64  `json:"time"`
	ClientID string `json:"clientId"`
}

// Record представляет непрозрачную единицу содержимого документа
// (одна фигура, одна настройка документа и т.п.).
// Record - это единица разрешения конфликтов: записи никогда не сливаются
// по полям, только замещаются целиком (whole-record LWW).
type Record struct {
	ID     string         `json:"id"`     // ID стабильный уникальный идентификатор внутри комнаты
	Fields map[string]any `json:"fields"` // Fields произвольная карта полей записи
}

// RecordMap карта записей по ID
type RecordMap map[string]*Record

// TimestampMap карта логических timestamp по ID записи
type TimestampMap map[string]LogicalTimestamp

// Clone создает глубокую копию записи
func (r *Record) Clone() *Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{
		ID:     r.ID,
		Fields: fields,
	}
}

// Clone создает копию карты записей (записи копируются глубоко)
func (m RecordMap) Clone() RecordMap {
	result := make(RecordMap, len(m))
	for id, rec := range m {
		result[id] = rec.Clone()
	}
	return result
}

// Clone создает копию карты timestamp
func (m TimestampMap) Clone() TimestampMap {
	result := make(TimestampMap, len(m))
	for id, ts := range m {
		result[id] = ts
	}
	return result
}
