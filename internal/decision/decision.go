// Package decision determines the aggregate loan decision from attribute-level
// review outcomes and routes determined decisions to their next step.
package decision

import (
	"go.uber.org/zap"

	"github.com/hexfin/loanreview/model"
)

// tally counts attribute statuses across one attribute list. Unknown statuses
// are counted separately and excluded from aggregation.
type tally struct {
	known      int
	approved   int
	rejected   int
	repurchase int
	reclass    int
}

// rules is the determination priority, first match wins. Order is load-bearing:
// REPURCHASE dominates everything, RECLASS dominates the approval outcomes.
var rules = []struct {
	name    string
	applies func(t tally) bool
	result  model.DecisionStatus
}{
	{"any-repurchase", func(t tally) bool { return t.repurchase > 0 }, model.DecisionRepurchase},
	{"any-reclass", func(t tally) bool { return t.reclass > 0 }, model.DecisionReclassApproved},
	{"all-approved", func(t tally) bool { return t.approved == t.known }, model.DecisionApproved},
	{"all-rejected", func(t tally) bool { return t.rejected == t.known }, model.DecisionRejected},
}

// Determine computes the aggregate decision for a fully reviewed attribute
// list. Attributes with a status outside the known enumeration are logged and
// ignored for aggregation. Returns an INVARIANT_VIOLATION if no known
// attribute remains, since callers must not determine on an unreviewed list.
func Determine(attrs []model.LoanAttribute, logger *zap.Logger) (model.DecisionStatus, error) {
	var t tally
	for _, attr := range attrs {
		if !attr.Status.Known() {
			logger.Warn("ignoring attribute with unknown status",
				zap.String("attribute", attr.Name),
				zap.String("status", string(attr.Status)),
			)
			continue
		}
		t.known++
		switch attr.Status {
		case model.AttributeApproved:
			t.approved++
		case model.AttributeRejected:
			t.rejected++
		case model.AttributeRepurchase:
			t.repurchase++
		case model.AttributeReclass:
			t.reclass++
		}
	}

	if t.known == 0 {
		return "", model.NewInvariantViolation("cannot determine decision: no reviewable attributes")
	}

	for _, rule := range rules {
		if rule.applies(t) {
			return rule.result, nil
		}
	}
	return model.DecisionPartiallyApproved, nil
}

// HasPending reports whether any attribute is still awaiting review.
// An empty or nil list has nothing pending.
func HasPending(attrs []model.LoanAttribute) bool {
	for _, attr := range attrs {
		if attr.Status == model.AttributePendingReview {
			return true
		}
	}
	return false
}
