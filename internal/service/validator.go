package service

import (
	"fmt"
	"regexp"

	"github.com/hexfin/loanreview/internal/config"
	"github.com/hexfin/loanreview/internal/observability"
	"github.com/hexfin/loanreview/model"
)

// Validator enforces the trust boundary: mandatory fields, identifier
// format patterns, and the review-type enumeration. Patterns come from
// configuration so operators can tighten them without a release.
type Validator struct {
	requestNumber *regexp.Regexp
	loanNumber    *regexp.Regexp
	taskNumber    *regexp.Regexp
	maxPayload    int
	metrics       *observability.Metrics
}

// NewValidator compiles the configured identifier patterns. metrics may be
// nil.
func NewValidator(cfg config.ValidationConfig, metrics *observability.Metrics) (*Validator, error) {
	requestNumber, err := regexp.Compile(cfg.RequestNumberPattern)
	if err != nil {
		return nil, fmt.Errorf("compile request_number_pattern: %w", err)
	}
	loanNumber, err := regexp.Compile(cfg.LoanNumberPattern)
	if err != nil {
		return nil, fmt.Errorf("compile loan_number_pattern: %w", err)
	}
	taskNumber, err := regexp.Compile(cfg.TaskNumberPattern)
	if err != nil {
		return nil, fmt.Errorf("compile task_number_pattern: %w", err)
	}
	return &Validator{
		requestNumber: requestNumber,
		loanNumber:    loanNumber,
		taskNumber:    taskNumber,
		maxPayload:    cfg.MaxPayloadSize,
		metrics:       metrics,
	}, nil
}

// MaxPayloadSize is the request body size limit in bytes.
func (v *Validator) MaxPayloadSize() int { return v.maxPayload }

// RequestNumber validates the review request identifier.
func (v *Validator) RequestNumber(value string) error {
	if value == "" {
		return v.fail("requestNumber.missing",
			model.NewMissingFieldError("requestNumber is required", "requestNumber"))
	}
	if !v.requestNumber.MatchString(value) {
		return v.fail("requestNumber.format",
			model.NewInvalidFormatError("requestNumber has an invalid format", "requestNumber"))
	}
	return nil
}

// LoanNumber validates the loan identifier.
func (v *Validator) LoanNumber(value string) error {
	if value == "" {
		return v.fail("loanNumber.missing",
			model.NewMissingFieldError("loanNumber is required", "loanNumber"))
	}
	if !v.loanNumber.MatchString(value) {
		return v.fail("loanNumber.format",
			model.NewInvalidFormatError("loanNumber has an invalid format", "loanNumber"))
	}
	return nil
}

// TaskNumber validates the workflow ticket identifier.
func (v *Validator) TaskNumber(value string) error {
	if value == "" {
		return v.fail("taskNumber.missing",
			model.NewMissingFieldError("taskNumber is required", "taskNumber"))
	}
	if !v.taskNumber.MatchString(value) {
		return v.fail("taskNumber.format",
			model.NewInvalidFormatError("taskNumber has an invalid format", "taskNumber"))
	}
	return nil
}

// ReviewType validates the review type against the closed enumeration,
// accepting display strings.
func (v *Validator) ReviewType(value string) error {
	if value == "" {
		return v.fail("reviewType.missing",
			model.NewMissingFieldError("reviewType is required", "reviewType"))
	}
	if _, err := model.ParseReviewType(value); err != nil {
		return v.fail("reviewType.enum", err)
	}
	return nil
}

// Attributes validates the attribute list shape. Statuses outside the
// enumeration are accepted here; the determination step logs and ignores
// them.
func (v *Validator) Attributes(attrs []model.LoanAttribute) error {
	for i, attr := range attrs {
		if attr.Name == "" {
			return v.fail("attributes.name",
				model.NewMissingFieldError(
					fmt.Sprintf("attributes[%d].attributeName is required", i),
					"attributeName",
				))
		}
		if attr.Status == "" {
			return v.fail("attributes.status",
				model.NewMissingFieldError(
					fmt.Sprintf("attributes[%d].attributeStatus is required", i),
					"attributeStatus",
				))
		}
	}
	return nil
}

func (v *Validator) fail(rule string, err error) error {
	if v.metrics != nil {
		v.metrics.RecordValidationFailure(rule)
	}
	return err
}
