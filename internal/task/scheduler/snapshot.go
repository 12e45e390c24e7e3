package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.sup != nil,
		Timezone: s.loc.String(),
		Jobs:     len(s.jobs),
	}
	items := make([]ScheduleInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		if e.job.Paused() {
			out.Paused++
		}
		it := ScheduleInfo{ID: e.job.ID, Name: e.job.Name, Trigger: e.job.TriggerKind, Params: e.trig.Params()}
		if e.job.NextRunTime != nil {
			n := *e.job.NextRunTime
			it.Next = &n
		}
		items = append(items, it)
	}
	eng := s.engine
	s.mu.Unlock()

	sort.Slice(items, func(i, k int) bool {
		a, b := items[i].Next, items[k].Next
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case (a == nil) != (b == nil):
			return a != nil
		}
		return items[i].ID < items[k].ID
	})
	out.Schedules = items
	out.Dispatched = s.dispatched.Load()
	out.SkippedMisfire = s.skippedMisfire.Load()
	out.SkippedMaxInstances = s.skippedMaxInstances.Load()
	if eng != nil {
		out.Engine = eng.Snapshot()
	}
	return out
}
