package engine

import "fmt"

// Phase is one stage of the migration state machine. Phases are linear, with
// no back-edges; a resumed run re-enters the phase its checkpoint recorded.
type Phase string

const (
	PhaseDiscover   Phase = "discover"
	PhaseCategorize Phase = "categorize"
	PhaseTransfer   Phase = "transfer"
	PhaseVerify     Phase = "verify"
	PhaseFinalize   Phase = "finalize"
	PhaseRollback   Phase = "rollback"
)

var allowedTransitions = map[Phase][]Phase{
	PhaseDiscover:   {PhaseCategorize},
	PhaseCategorize: {PhaseTransfer},
	PhaseTransfer:   {PhaseVerify},
	PhaseVerify:     {PhaseFinalize},
	PhaseFinalize:   {},
	PhaseRollback:   {},
}

// Valid reports whether the phase is known
func (p Phase) Valid() bool {
	_, ok := allowedTransitions[p]
	return ok
}

// Transition validates a phase change. Re-entering the same phase is
// allowed: that is how a resumed run picks up where it stopped.
func Transition(from, to Phase) error {
	if !to.Valid() {
		return fmt.Errorf("unknown phase %q", to)
	}
	if from == to {
		return nil
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s", from, to)
}
