package scheduler

import "time"

type JobInfo struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skipped  uint64
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
}

type Snapshot struct {
	Timezone string
	Started  bool
	Jobs     []JobInfo
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Timezone: s.cfg.Timezone, Started: s.c != nil}
	if snap.Timezone == "" && s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := JobInfo{
			Name:    d.name,
			Spec:    d.spec,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.mu.Lock()
		it.LastRun, it.LastTook = d.lastRun, d.lastTook
		if d.lastErr != nil {
			it.LastErr = d.lastErr.Error()
		}
		d.mu.Unlock()
		snap.Jobs = append(snap.Jobs, it)
	}
	return snap
}
