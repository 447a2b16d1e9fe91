package resource

import "time"

// LivenessState is the persisted part of a resource's liveness.
type LivenessState struct {
	Online      bool
	TimeOfDeath *time.Time
}

type Liveness int

const (
	Alive Liveness = iota
	RecentlyDead
	Offline
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case RecentlyDead:
		return "recently_dead"
	default:
		return "offline"
	}
}

func (s LivenessState) Classify() Liveness {
	switch {
	case !s.Online:
		return Offline
	case s.TimeOfDeath != nil:
		return RecentlyDead
	default:
		return Alive
	}
}

func (s LivenessState) Equal(o LivenessState) bool {
	if s.Online != o.Online {
		return false
	}
	if s.TimeOfDeath == nil || o.TimeOfDeath == nil {
		return s.TimeOfDeath == nil && o.TimeOfDeath == nil
	}
	return s.TimeOfDeath.Equal(*o.TimeOfDeath)
}

// NextLiveness applies one probe result. A single failed probe only records the
// time of death; the resource goes offline when a probe still fails once the
// grace window since that time has elapsed. Offline resources are never
// brought back by a probe, only by an explicit start.
func NextLiveness(s LivenessState, probeOK bool, now time.Time, grace time.Duration) LivenessState {
	if !s.Online {
		return s
	}
	if probeOK {
		return LivenessState{Online: true}
	}
	if s.TimeOfDeath == nil {
		t := now.UTC().Truncate(time.Second)
		return LivenessState{Online: true, TimeOfDeath: &t}
	}
	if now.Sub(*s.TimeOfDeath) >= grace {
		return LivenessState{Online: false, TimeOfDeath: s.TimeOfDeath}
	}
	return s
}
