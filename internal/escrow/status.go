package escrow

import "fmt"

// Status is the on-ledger escrow state. The numeric values match the
// contract's enum ordering and must not be reordered.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusCompleted
	StatusReleased
	StatusDisputed
	StatusRefunded
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusCreated:   "created",
	StatusFunded:    "funded",
	StatusCompleted: "completed",
	StatusReleased:  "released",
	StatusDisputed:  "disputed",
	StatusRefunded:  "refunded",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusCancelled
}

// ParseStatus is the inverse of String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown status %q", name)
}

var transitions = map[Status][]Status{
	StatusCreated:   {StatusFunded, StatusDisputed, StatusCancelled},
	StatusFunded:    {StatusCompleted, StatusDisputed},
	StatusCompleted: {StatusReleased, StatusDisputed},
	StatusDisputed:  {StatusReleased, StatusRefunded},
}

// CanTransition reports whether to is a single forward edge from from.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from by zero or more
// forward edges. Used to tell a stale snapshot from a regression.
func Reachable(from, to Status) bool {
	if from == to {
		return true
	}
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
