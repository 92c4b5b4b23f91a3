package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		items = append(items, ScheduleInfo{
			ID:      e.id,
			Trigger: e.trigger,
			Next:    s.nextLocked(e),
			Prev:    e.prev,
			Paused:  e.pauses > 0,
			Pauses:  e.pauses,
			Spread:  e.spread,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return Snapshot{
		Running:   s.c != nil,
		Timezone:  s.loc.String(),
		Schedules: items,
	}
}
