// Package priority defines the 1–5 tier shared by events, notifications and
// sync operations.
package priority

import "fmt"

type Level int

const (
	Lowest   Level = 1
	Low      Level = 2
	Normal   Level = 3
	High     Level = 4
	Critical Level = 5
)

func (l Level) Valid() bool {
	return l >= Lowest && l <= Critical
}

// OrDefault maps the zero value to Normal.
func (l Level) OrDefault() Level {
	if l == 0 {
		return Normal
	}
	return l
}

func (l Level) String() string {
	switch l {
	case Lowest:
		return "lowest"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Tiers lists every level from highest to lowest service order.
func Tiers() []Level {
	return []Level{Critical, High, Normal, Low, Lowest}
}
