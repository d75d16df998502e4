package broker

// TopicLevelEvents is the single topic the Engine subscribes to for
// level-lifecycle notifications.
const TopicLevelEvents = "level-events"

// LevelEventKind distinguishes the two notifications a Level sends
// upward during merge cascades.
type LevelEventKind int

const (
	// BottomLevelReached is published by a Level that has just merged
	// into a level beyond the chain's previous bottom, so the Engine can
	// extend its bookkeeping of the bottom level.
	BottomLevelReached LevelEventKind = iota
	// MaxLevelChanged is published when a Level wants to inform the
	// Engine of a revised max_level ceiling (set_max_level).
	MaxLevelChanged
)

// LevelEvent is the payload published on TopicLevelEvents.
type LevelEvent struct {
	Kind  LevelEventKind
	Level int
}
