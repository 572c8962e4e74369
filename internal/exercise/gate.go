package exercise

import "fmt"

// AuthorizationStatus describes what a participant may do right now.
type AuthorizationStatus string

const (
	StatusActive      AuthorizationStatus = "active"
	StatusWaiting     AuthorizationStatus = "waiting"
	StatusRevealReady AuthorizationStatus = "reveal_ready"
	StatusClosed      AuthorizationStatus = "closed"
)

// Authorization is the phase gate's answer for one participant.
type Authorization struct {
	Step   int
	Phase  string
	Status AuthorizationStatus
	Reason string
}

// AuthorizedPhase computes the active phase for participant. It never mutates the session.
func AuthorizedPhase(session Session, participant ParticipantID, plan TurnPlan) (Authorization, error) {
	slot, ok := session.SlotOf(participant)
	if !ok {
		return Authorization{}, ErrNotAuthorized
	}
	topology := session.Topology
	if !session.IsOpen() {
		return Authorization{Step: session.CurrentStep, Phase: phaseNameClosed, Status: StatusClosed}, nil
	}

	switch topology {
	case TopologyTwoPhaseReveal:
		own := session.Progress(slot)
		partner := session.Progress(slot.Other())
		switch {
		case own <= StepTruths:
			return authorization(topology, plan, StepTruths, StatusActive, ""), nil
		case own == StepGuesses && partner <= StepTruths:
			return authorization(topology, plan, StepGuesses, StatusWaiting, ReasonPartnerNotReady), nil
		case own == StepGuesses:
			return authorization(topology, plan, StepGuesses, StatusActive, ""), nil
		case partner < StepReveal:
			return authorization(topology, plan, StepReveal, StatusWaiting, ReasonWaitingForPartner), nil
		default:
			return authorization(topology, plan, StepReveal, StatusRevealReady, ""), nil
		}
	case TopologyTurnTaking:
		author, ok := plan.AuthorOf(session.CurrentStep)
		if !ok {
			return Authorization{}, fmt.Errorf("%w: step %d outside turn plan", ErrInvalidPhase, session.CurrentStep)
		}
		if author == slot {
			return authorization(topology, plan, session.CurrentStep, StatusActive, ""), nil
		}
		return authorization(topology, plan, session.CurrentStep, StatusWaiting, ReasonPartnerTurn), nil
	case TopologyCountdown:
		return authorization(topology, plan, 0, StatusActive, ""), nil
	default:
		return Authorization{}, fmt.Errorf("%w: unknown topology %s", ErrInvalidPhase, topology)
	}
}

func authorization(topology Topology, plan TurnPlan, step int, status AuthorizationStatus, reason string) Authorization {
	return Authorization{
		Step:   step,
		Phase:  PhaseName(topology, plan, step),
		Status: status,
		Reason: reason,
	}
}

// CheckSubmission decides whether participant may write a response for step.
func CheckSubmission(session Session, participant ParticipantID, step int, plan TurnPlan) error {
	slot, ok := session.SlotOf(participant)
	if !ok {
		return ErrNotAuthorized
	}
	if !session.IsOpen() {
		return ErrAlreadyClosed
	}

	switch session.Topology {
	case TopologyTwoPhaseReveal:
		own := session.Progress(slot)
		switch step {
		case StepTruths:
			if own > StepTruths {
				return fmt.Errorf("%w: truths already completed", ErrInvalidPhase)
			}
			return nil
		case StepGuesses:
			if session.Progress(slot.Other()) <= StepTruths {
				return blocked(ReasonPartnerNotReady)
			}
			if own < StepGuesses {
				return fmt.Errorf("%w: truths not completed", ErrInvalidPhase)
			}
			if own > StepGuesses {
				return fmt.Errorf("%w: guesses already completed", ErrInvalidPhase)
			}
			return nil
		default:
			return fmt.Errorf("%w: step %d accepts no submissions", ErrInvalidPhase, step)
		}
	case TopologyTurnTaking:
		author, ok := plan.AuthorOf(step)
		if !ok {
			return fmt.Errorf("%w: step %d outside turn plan", ErrInvalidPhase, step)
		}
		if author != slot {
			return fmt.Errorf("%w: step %d belongs to the other participant", ErrInvalidPhase, step)
		}
		switch {
		case step < session.CurrentStep:
			return fmt.Errorf("%w: step %d already taken", ErrInvalidPhase, step)
		case step > session.CurrentStep:
			return blocked(ReasonPartnerTurn)
		default:
			return nil
		}
	default:
		return fmt.Errorf("%w: %s sessions accept no submissions", ErrInvalidPhase, session.Topology)
	}
}

// CheckCompletion decides whether participant may mark step complete. A completion that was
// already recorded reports done=true so callers can treat it as a no-op.
func CheckCompletion(session Session, participant ParticipantID, step int) (done bool, err error) {
	slot, ok := session.SlotOf(participant)
	if !ok {
		return false, ErrNotAuthorized
	}
	if session.Topology != TopologyTwoPhaseReveal {
		return false, fmt.Errorf("%w: %s sessions advance on submission", ErrInvalidPhase, session.Topology)
	}
	own := session.Progress(slot)
	if step != StepTruths && step != StepGuesses {
		return false, fmt.Errorf("%w: step %d cannot be completed", ErrInvalidPhase, step)
	}
	if own > step {
		return true, nil
	}
	if !session.IsOpen() {
		return false, ErrAlreadyClosed
	}
	if own < step {
		return false, fmt.Errorf("%w: step %d not reached", ErrInvalidPhase, step)
	}
	if step == StepGuesses && session.Progress(slot.Other()) <= StepTruths {
		return false, blocked(ReasonPartnerNotReady)
	}
	return false, nil
}

// CheckPartnerRead enforces read visibility of the partner's responses for step.
// The partner's truths stay hidden until the partner has completed them, and until the
// reader has completed their own.
func CheckPartnerRead(session Session, reader ParticipantID, step int) error {
	slot, ok := session.SlotOf(reader)
	if !ok {
		return ErrNotAuthorized
	}
	switch session.Topology {
	case TopologyTwoPhaseReveal:
		own := session.Progress(slot)
		partner := session.Progress(slot.Other())
		switch step {
		case StepTruths:
			if partner <= StepTruths {
				return blocked(ReasonPartnerNotReady)
			}
			if own <= StepTruths {
				return blocked(ReasonWaitingForSelf)
			}
			return nil
		case StepGuesses:
			return CheckReveal(session, reader)
		default:
			return fmt.Errorf("%w: step %d holds no responses", ErrInvalidPhase, step)
		}
	case TopologyTurnTaking:
		return nil
	default:
		return fmt.Errorf("%w: %s sessions hold no responses", ErrInvalidPhase, session.Topology)
	}
}

// CheckReveal decides whether the reveal can be computed.
func CheckReveal(session Session, participant ParticipantID) error {
	slot, ok := session.SlotOf(participant)
	if !ok {
		return ErrNotAuthorized
	}
	if session.Topology != TopologyTwoPhaseReveal {
		return fmt.Errorf("%w: %s sessions have no reveal", ErrInvalidPhase, session.Topology)
	}
	if session.Progress(slot.Other()) < StepReveal {
		return blocked(ReasonRevealNotReady)
	}
	if session.Progress(slot) < StepReveal {
		return blocked(ReasonWaitingForSelf)
	}
	return nil
}
