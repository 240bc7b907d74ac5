// Package priority models the execution-priority level of the caller of the
// registry. Levels at or above Dispatch are elevated: code running there must
// not block, so every lock in the registry busy-waits.
package priority

import "fmt"

// Level is an execution-priority level.
type Level uint8

// The execution-priority levels, ordered from lowest to highest.
const (
	Passive Level = iota
	APC
	Dispatch
	Device
)

var levelNames = [...]string{
	Passive:  "Passive",
	APC:      "APC",
	Dispatch: "Dispatch",
	Device:   "Device",
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}

	return fmt.Sprintf("Level(%d)", uint8(l))
}

// Elevated returns true if blocking is forbidden at the level.
func (l Level) Elevated() bool {
	return l >= Dispatch
}

// Valid returns true if the level is one of the defined levels.
func (l Level) Valid() bool {
	return l <= Device
}
