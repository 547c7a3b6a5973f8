package decision

import (
	"fmt"

	"github.com/hexfin/loanreview/model"
)

// Destination is where a determined decision goes next.
type Destination int

const (
	// DirectUpdate applies the decision to the downstream system immediately.
	DirectUpdate Destination = iota
	// ConfirmationGate parks the workflow for human confirmation before the
	// downstream update.
	ConfirmationGate
)

func (d Destination) String() string {
	switch d {
	case DirectUpdate:
		return "direct_update"
	case ConfirmationGate:
		return "confirmation_gate"
	}
	return fmt.Sprintf("destination(%d)", int(d))
}

// Route maps a determined decision to its destination. Only RECLASS_APPROVED
// requires confirmation. A value outside the enumeration is a defect in the
// caller and propagates as an INVARIANT_VIOLATION.
func Route(d model.DecisionStatus) (Destination, error) {
	switch d {
	case model.DecisionReclassApproved:
		return ConfirmationGate, nil
	case model.DecisionApproved, model.DecisionRejected,
		model.DecisionPartiallyApproved, model.DecisionRepurchase:
		return DirectUpdate, nil
	default:
		return 0, model.NewInvariantViolation(
			fmt.Sprintf("cannot route unknown decision %q", string(d)),
		)
	}
}
