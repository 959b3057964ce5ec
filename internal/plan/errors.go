package plan

import "errors"

var (
	// ErrPlanNotFound indicates no plan record exists for the id.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPlanNotEditable indicates the plan's status does not allow the
	// requested operation, such as approving a plan that is not ready.
	ErrPlanNotEditable = errors.New("plan not editable")

	// ErrInvalidPlanOutput indicates the planning agent's drop-box JSON
	// failed validation.
	ErrInvalidPlanOutput = errors.New("invalid plan output")
)
