package replsession

import "fmt"

// ActivityLevel is the coarse lifecycle state of a replication session as
// published to clients.
type ActivityLevel int

const (
	LevelStopped ActivityLevel = iota
	LevelOffline
	LevelConnecting
	LevelIdle
	LevelBusy
)

var activityLevelNames = [...]string{
	LevelStopped:    "stopped",
	LevelOffline:    "offline",
	LevelConnecting: "connecting",
	LevelIdle:       "idle",
	LevelBusy:       "busy",
}

func (l ActivityLevel) String() string {
	if l < 0 || int(l) >= len(activityLevelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return activityLevelNames[l]
}

// Progress counts replication work in abstract units (documents, bytes --
// whatever the engine reports).
type Progress struct {
	UnitsCompleted uint64
	UnitsTotal     uint64
}

// StatusFlags is a bitset owned by the session controller. Engine status
// reports never carry flags; the controller is the only writer.
type StatusFlags uint8

const (
	FlagHostReachable StatusFlags = 1 << iota
	FlagSuspended
)

// Status is the shared status record for a session.
type Status struct {
	Level    ActivityLevel
	Progress Progress
	Err      error
	Flags    StatusFlags
}

func (s Status) HostReachable() bool { return s.Flags&FlagHostReachable != 0 }
func (s Status) Suspended() bool     { return s.Flags&FlagSuspended != 0 }

func (s *Status) hasFlag(flag StatusFlags) bool {
	return s.Flags&flag != 0
}

// setFlag reports whether the flag value actually changed.
func (s *Status) setFlag(flag StatusFlags, on bool) bool {
	flags := s.Flags
	if on {
		flags |= flag
	} else {
		flags &^= flag
	}
	if flags == s.Flags {
		return false
	}
	s.Flags = flags
	return true
}

// applyEngineReport copies level, progress and error from an engine-reported
// status. Flags belong to the controller and survive every report.
func (s *Status) applyEngineReport(reported Status) {
	flags := s.Flags
	s.Level = reported.Level
	s.Progress = reported.Progress
	s.Err = reported.Err
	s.Flags = flags
}
