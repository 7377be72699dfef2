package archive

import (
	"fmt"
	"math"
	"strings"
)

// Coordinate locates one component inside a single run. A step has Cable 0,
// an input cable of step k has Step k and Cable i, and output cable j has
// Step 0 and Cable j.
type Coordinate struct {
	Step  int
	Cable int
}

func (c Coordinate) String() string {
	switch {
	case c.Step == 0:
		return fmt.Sprintf("o%d", c.Cable)
	case c.Cable == 0:
		return fmt.Sprintf("%d", c.Step)
	}
	return fmt.Sprintf("%d:%d", c.Step, c.Cable)
}

// order places input cables of step k before step k, and output cables after
// every step.
func (c Coordinate) order() (int, int, int) {
	switch {
	case c.Step == 0:
		return math.MaxInt32, 0, c.Cable
	case c.Cable == 0:
		return c.Step, 1, 0
	}
	return c.Step, 0, c.Cable
}

func (c Coordinate) before(o Coordinate) bool {
	a1, a2, a3 := c.order()
	b1, b2, b3 := o.order()
	if a1 != b1 {
		return a1 < b1
	}
	if a2 != b2 {
		return a2 < b2
	}
	return a3 < b3
}

// Coordinates locate a run or component within nested sub-pipelines: one
// element per nesting level. A top-level run has empty coordinates, and a
// sub-run shares the coordinates of the step that owns it.
type Coordinates []Coordinate

func (cs Coordinates) String() string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

func (cs Coordinates) Equal(o Coordinates) bool {
	if len(cs) != len(o) {
		return false
	}
	for i := range cs {
		if cs[i] != o[i] {
			return false
		}
	}
	return true
}

// Precedes reports whether cs comes strictly before o in run order. A step
// that encloses a sub-run finishes after everything inside it, so a prefix
// comes after the coordinates it prefixes.
func (cs Coordinates) Precedes(o Coordinates) bool {
	for i := 0; i < len(cs) && i < len(o); i++ {
		if cs[i] != o[i] {
			return cs[i].before(o[i])
		}
	}
	return len(cs) > len(o)
}

func (cs Coordinates) with(c Coordinate) Coordinates {
	out := make(Coordinates, len(cs), len(cs)+1)
	copy(out, cs)
	return append(out, c)
}
