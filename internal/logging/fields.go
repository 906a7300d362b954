package logging

// Standard field keys.
const (
	FieldComponent   = "component"
	FieldEventType   = "event_type"
	FieldErrorHint   = "error_hint"
	FieldImpact      = "impact"
	FieldBookID      = "book_id"
	FieldTitle       = "title"
	FieldAccount     = "account"
	FieldState       = "state"
	FieldRights      = "rights_management"
	FieldContentType = "content_type"
	FieldDistributor = "distributor"
	FieldURL         = "url"
	FieldStatus      = "status"
	FieldTransferID  = "transfer_id"
)
