package exercise

import (
	"fmt"
	"strconv"
	"strings"
)

// Topology enumerates the phase shapes a session can follow.
type Topology string

const (
	// TopologyTwoPhaseReveal runs truths, then guesses, then an on-demand reveal.
	TopologyTwoPhaseReveal Topology = "two_phase_reveal"
	// TopologyTurnTaking runs a fixed ordered list of steps, each bound to one participant.
	TopologyTurnTaking Topology = "turn_taking"
	// TopologyCountdown is a single active/inactive state bounded by a shared deadline.
	TopologyCountdown Topology = "countdown"
)

// ParseTopology validates a topology name.
func ParseTopology(value string) (Topology, error) {
	switch Topology(strings.ToLower(strings.TrimSpace(value))) {
	case TopologyTwoPhaseReveal:
		return TopologyTwoPhaseReveal, nil
	case TopologyTurnTaking:
		return TopologyTurnTaking, nil
	case TopologyCountdown:
		return TopologyCountdown, nil
	default:
		return "", fmt.Errorf("%w: unknown topology %q", ErrInvalidPhase, value)
	}
}

// Two-phase-with-reveal steps.
const (
	StepTruths  = 0
	StepGuesses = 1
	StepReveal  = 2
)

const (
	phaseNameTruths  = "truths"
	phaseNameGuesses = "guesses"
	phaseNameReveal  = "reveal"
	phaseNameActive  = "active"
	phaseNameClosed  = "closed"
)

// Slot names one of the two participant positions of a session.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Other returns the opposite slot.
func (slot Slot) Other() Slot {
	if slot == SlotA {
		return SlotB
	}
	return SlotA
}

// TurnStep binds one turn-taking step to the slot that authors it.
type TurnStep struct {
	Name   string
	Author Slot
}

// TurnPlan is the ordered step list of a turn-taking session.
type TurnPlan struct {
	Steps []TurnStep
}

// DefaultTurnPlan is the three-step active listening exercise.
func DefaultTurnPlan() TurnPlan {
	return TurnPlan{Steps: []TurnStep{
		{Name: "share", Author: SlotA},
		{Name: "reflect", Author: SlotB},
		{Name: "confirm", Author: SlotA},
	}}
}

// Validate ensures the plan has at least one step and every step is bound to a slot.
func (plan TurnPlan) Validate() error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("%w: turn plan has no steps", ErrInvalidPhase)
	}
	seen := make(map[string]struct{}, len(plan.Steps))
	for index, step := range plan.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("%w: turn step %d has no name", ErrInvalidPhase, index)
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("%w: duplicate turn step %q", ErrInvalidPhase, name)
		}
		seen[name] = struct{}{}
		if step.Author != SlotA && step.Author != SlotB {
			return fmt.Errorf("%w: turn step %q has no author", ErrInvalidPhase, name)
		}
	}
	return nil
}

// AuthorOf reports the slot bound to step.
func (plan TurnPlan) AuthorOf(step int) (Slot, bool) {
	if step < 0 || step >= len(plan.Steps) {
		return "", false
	}
	return plan.Steps[step].Author, true
}

// FinalStep returns the index of the last step.
func (plan TurnPlan) FinalStep() int {
	return len(plan.Steps) - 1
}

// ResolveStep maps a phase name (or numeric index) to a step for the topology.
func ResolveStep(topology Topology, plan TurnPlan, phase string) (int, error) {
	normalized := strings.ToLower(strings.TrimSpace(phase))
	switch topology {
	case TopologyTwoPhaseReveal:
		switch normalized {
		case phaseNameTruths, strconv.Itoa(StepTruths):
			return StepTruths, nil
		case phaseNameGuesses, strconv.Itoa(StepGuesses):
			return StepGuesses, nil
		}
	case TopologyTurnTaking:
		for index, step := range plan.Steps {
			if strings.EqualFold(step.Name, normalized) || strconv.Itoa(index) == normalized {
				return index, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: phase %q is not part of topology %s", ErrInvalidPhase, phase, topology)
}

// PhaseName returns the display name of step for the topology.
func PhaseName(topology Topology, plan TurnPlan, step int) string {
	switch topology {
	case TopologyTwoPhaseReveal:
		switch step {
		case StepTruths:
			return phaseNameTruths
		case StepGuesses:
			return phaseNameGuesses
		default:
			return phaseNameReveal
		}
	case TopologyTurnTaking:
		if step >= 0 && step < len(plan.Steps) {
			return plan.Steps[step].Name
		}
		return phaseNameClosed
	default:
		return phaseNameActive
	}
}

// CloseReason records why a session reached its terminal state.
type CloseReason string

const (
	CloseReasonCompleted  CloseReason = "completed"
	CloseReasonExpired    CloseReason = "expired"
	CloseReasonEndedEarly CloseReason = "ended_early"
)
