package audithook

// Action constants for audit events.
const (
	// Dispatch actions
	ActionEventDeadLettered = "event.dead_lettered"
	ActionDeadlineFired     = "deadline.fired"

	// Ledger actions
	ActionLedgerPosted         = "ledger.posted"
	ActionInvoiceStatusChanged = "invoice.status_changed"
	ActionInvoicePaid          = "invoice.paid"
	ActionInvoiceVoided        = "invoice.voided"

	// Dunning actions
	ActionDunningCaseOpened   = "dunning.case_opened"
	ActionDunningStepExecuted = "dunning.step_executed"
	ActionDunningResolved     = "dunning.resolved"
	ActionDunningAbandoned    = "dunning.abandoned"

	// Enforcement actions
	ActionEnforcementApplied = "enforcement.applied"
	ActionEnforcementFailed  = "enforcement.failed"
)

// Resource constants for audit events.
const (
	ResourceEvent       = "event"
	ResourceDeadline    = "deadline"
	ResourcePosting     = "posting"
	ResourceInvoice     = "invoice"
	ResourceDunningCase = "dunning_case"
	ResourceEnforcement = "enforcement_action"
)

// Category constants for audit events.
const (
	CategoryPipeline = "pipeline"
	CategoryBilling  = "billing"
	CategoryDunning  = "dunning"
	CategoryAccess   = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
