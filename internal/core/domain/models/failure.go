package models

// FailureKind classifies failures surfaced to the patron.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureBorrowConflict
	FailureBorrowFailed
	FailureInvalidCredentials
	FailureUnsupportedFormat
	FailureDRMFulfillment
	FailureNetwork
	FailureProblemDocument
	FailureReturnFailed
	FailureSelectionFailed
)

func (k FailureKind) String() string {
	switch k {
	case FailureBorrowConflict:
		return "borrow-conflict"
	case FailureBorrowFailed:
		return "borrow-failed"
	case FailureInvalidCredentials:
		return "invalid-credentials"
	case FailureUnsupportedFormat:
		return "unsupported-format"
	case FailureDRMFulfillment:
		return "drm-fulfillment"
	case FailureNetwork:
		return "network"
	case FailureProblemDocument:
		return "problem-document"
	case FailureReturnFailed:
		return "return-failed"
	case FailureSelectionFailed:
		return "selection-failed"
	default:
		return "generic"
	}
}
