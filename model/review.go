package model

import (
	"fmt"
	"strings"
)

// ReviewType classifies the kind of loan review being conducted.
type ReviewType string

const (
	ReviewTypeLDC       ReviewType = "LDC"
	ReviewTypeSecPolicy ReviewType = "SEC_POLICY"
	ReviewTypeConduit   ReviewType = "CONDUIT"
)

// reviewTypeNames maps normalized display strings to the closed enumeration.
var reviewTypeNames = map[string]ReviewType{
	"LDC":        ReviewTypeLDC,
	"SEC_POLICY": ReviewTypeSecPolicy,
	"CONDUIT":    ReviewTypeConduit,
}

// ParseReviewType normalizes a display string ("LDC", "Sec Policy", "Conduit",
// case-insensitive) into a ReviewType. Returns a VALIDATION_ERROR naming the
// offending value if it is not in the enumeration.
func ParseReviewType(value string) (ReviewType, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(value), " ", "_"))
	if rt, ok := reviewTypeNames[normalized]; ok {
		return rt, nil
	}
	return "", NewValidationError(
		fmt.Sprintf("invalid review type %q; allowed values: LDC, Sec Policy, Conduit", value),
		"reviewType",
	)
}

// AttributeStatus is the review outcome of a single loan attribute.
type AttributeStatus string

const (
	AttributePendingReview AttributeStatus = "PENDING_REVIEW"
	AttributeApproved      AttributeStatus = "APPROVED"
	AttributeRejected      AttributeStatus = "REJECTED"
	AttributeRepurchase    AttributeStatus = "REPURCHASE"
	AttributeReclass       AttributeStatus = "RECLASS"
)

// Known reports whether the status is part of the closed enumeration.
func (s AttributeStatus) Known() bool {
	switch s {
	case AttributePendingReview, AttributeApproved, AttributeRejected,
		AttributeRepurchase, AttributeReclass:
		return true
	}
	return false
}

// LoanAttribute is a single attribute with its review status.
type LoanAttribute struct {
	Name   string          `json:"attributeName"`
	Status AttributeStatus `json:"attributeStatus"`
}

// DecisionStatus is the aggregate loan decision determined from all
// attribute-level outcomes.
type DecisionStatus string

const (
	DecisionApproved          DecisionStatus = "APPROVED"
	DecisionRejected          DecisionStatus = "REJECTED"
	DecisionPartiallyApproved DecisionStatus = "PARTIALLY_APPROVED"
	DecisionRepurchase        DecisionStatus = "REPURCHASE"
	DecisionReclassApproved   DecisionStatus = "RECLASS_APPROVED"
)
