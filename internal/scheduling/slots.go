package scheduling

import "github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"

// Break is a daily window in which no slot may start or run, e.g. lunch.
// Start is inclusive and End exclusive.
type Break struct {
	Start civiltime.TimeOfDay `toml:"start"`
	End   civiltime.TimeOfDay `toml:"end"`
}

// ComputeSlots walks from start to end in steps of durationMinutes and returns
// the start of every step that fits before end and does not touch the break.
// An empty list means the day has no bookable slots.
func ComputeSlots(start, end civiltime.TimeOfDay, durationMinutes int, brk *Break) []civiltime.TimeOfDay {
	if start >= end || durationMinutes <= 0 {
		return []civiltime.TimeOfDay{}
	}

	slots := make([]civiltime.TimeOfDay, 0, (end-start).Minutes()/durationMinutes)
	for slot := start; slot.Add(durationMinutes) <= end; slot = slot.Add(durationMinutes) {
		if brk != nil && intersectsBreak(slot, slot.Add(durationMinutes), *brk) {
			continue
		}
		slots = append(slots, slot)
	}
	return slots
}

func intersectsBreak(slotStart, slotEnd civiltime.TimeOfDay, brk Break) bool {
	if brk.Start >= brk.End {
		return false
	}
	return slotStart < brk.End && slotEnd > brk.Start
}
