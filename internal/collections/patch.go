package collections

// PatchCollecting predicts the "collecting" list after intent is applied.
// Uncollecting removes the record because the list only holds collected users.
// The input slice is never modified.
func PatchCollecting(records []Record, intent Intent) []Record {
	index := indexOf(records, intent.TargetID)
	if index < 0 {
		return records
	}
	switch intent.Action {
	case ActionUncollect:
		next := make([]Record, 0, len(records)-1)
		next = append(next, records[:index]...)
		return append(next, records[index+1:]...)
	case ActionCollect:
		return replaceAt(records, index, withCollecting(records[index], true))
	case ActionSetNotification:
		return patchNotification(records, index, intent.Enabled)
	default:
		return records
	}
}

// PatchCollectors predicts the "collectors" list after intent is applied.
// Collecting state flips in place; a collector stays listed either way.
func PatchCollectors(records []Record, intent Intent) []Record {
	index := indexOf(records, intent.TargetID)
	if index < 0 {
		return records
	}
	switch intent.Action {
	case ActionCollect:
		return replaceAt(records, index, withCollecting(records[index], true))
	case ActionUncollect:
		return replaceAt(records, index, withCollecting(records[index], false))
	case ActionSetNotification:
		return patchNotification(records, index, intent.Enabled)
	default:
		return records
	}
}

// PatchFor returns the patch function used by view.
func PatchFor(view View) func([]Record, Intent) []Record {
	if view == ViewCollectors {
		return PatchCollectors
	}
	return PatchCollecting
}

// CanSetNotification reports whether targetID is present and collected.
func CanSetNotification(records []Record, targetID string) bool {
	index := indexOf(records, targetID)
	return index >= 0 && records[index].IsCollecting
}

func patchNotification(records []Record, index int, enabled bool) []Record {
	if !records[index].IsCollecting {
		return records
	}
	updated := records[index]
	updated.NotificationsEnabled = &enabled
	return replaceAt(records, index, updated)
}

func withCollecting(record Record, collecting bool) Record {
	record.IsCollecting = collecting
	return record
}

func indexOf(records []Record, targetID string) int {
	for index := range records {
		if records[index].ID == targetID {
			return index
		}
	}
	return -1
}

func replaceAt(records []Record, index int, record Record) []Record {
	next := make([]Record, len(records))
	copy(next, records)
	next[index] = record
	return next
}
