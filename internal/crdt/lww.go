package crdt

import (
	"reflect"

	"github.com/iudanet/sketchsync/internal/models"
)

// MergeWithLWW объединяет два набора записей по правилу Last-Write-Wins.
// Функция чистая: не мутирует аргументы, детерминирована при одинаковых
// входах.
//
// Правила для каждого ID из объединения обеих сторон:
//  1. ID только локально - остается локальная запись и ее timestamp.
//     Отсутствие на удаленной стороне трактуется как локальное добавление,
//     а не как удаленное удаление: без tombstone'ов эти случаи неразличимы.
//  2. ID только удаленно - берется удаленная запись и ее timestamp.
//  3. ID с обеих сторон - побеждает больший timestamp; при равных
//     timestamp побеждает локальная сторона (localTs >= remoteTs).
//
// Если у записи нет timestamp в соответствующей карте, подставляется
// нулевой timestamp с ClientID вызывающей стороны (localClientID для
// локальных записей), поэтому сторона с настоящим timestamp всегда
// побеждает сторону без него.
func MergeWithLWW(
	localRecords models.RecordMap,
	localTS models.TimestampMap,
	remoteRecords models.RecordMap,
	remoteTS models.TimestampMap,
	localClientID string,
) (models.RecordMap, models.TimestampMap) {
	mergedRecords := make(models.RecordMap, len(localRecords)+len(remoteRecords))
	mergedTS := make(models.TimestampMap, len(localRecords)+len(remoteRecords))

	// Объединение ID обеих сторон
	ids := make(map[string]bool, len(localRecords)+len(remoteRecords))
	for id := range localRecords {
		ids[id] = true
	}
	for id := range remoteRecords {
		ids[id] = true
	}

	for id := range ids {
		local, hasLocal := localRecords[id]
		remote, hasRemote := remoteRecords[id]

		switch {
		case hasLocal && !hasRemote:
			mergedRecords[id] = local.Clone()
			mergedTS[id] = timestampOrZero(localTS, id, localClientID)
		case !hasLocal && hasRemote:
			mergedRecords[id] = remote.Clone()
			mergedTS[id] = timestampOrZero(remoteTS, id, "")
		default:
			lts := timestampOrZero(localTS, id, localClientID)
			rts := timestampOrZero(remoteTS, id, "")
			// Локальная сторона выигрывает ничью
			if Compare(lts, rts) >= 0 {
				mergedRecords[id] = local.Clone()
				mergedTS[id] = lts
			} else {
				mergedRecords[id] = remote.Clone()
				mergedTS[id] = rts
			}
		}
	}

	return mergedRecords, mergedTS
}

// timestampOrZero возвращает timestamp записи или нулевой fallback
func timestampOrZero(ts models.TimestampMap, id, clientID string) models.LogicalTimestamp {
	if t, ok := ts[id]; ok {
		return t
	}
	return models.LogicalTimestamp{Time: 0, ClientID: clientID}
}

// DiffRecords вычисляет структурную разницу между двумя картами записей:
//   - ID есть в new, нет в old -> put
//   - ID есть в обеих, поля отличаются (глубокое сравнение) -> update
//   - ID есть в old, нет в new -> remove
//
// DiffRecords(X, X) возвращает пустой batch для любой карты X.
func DiffRecords(old, updated models.RecordMap) *models.ChangeBatch {
	batch := models.NewChangeBatch()

	for id, rec := range updated {
		existing, ok := old[id]
		if !ok {
			batch.Put = append(batch.Put, rec.Clone())
			continue
		}
		if !reflect.DeepEqual(existing.Fields, rec.Fields) {
			clone := rec.Clone()
			batch.Update = append(batch.Update, models.RecordUpdate{
				ID:    id,
				After: clone.Fields,
			})
		}
	}

	for id := range old {
		if _, ok := updated[id]; !ok {
			batch.Remove = append(batch.Remove, id)
		}
	}

	return batch
}
