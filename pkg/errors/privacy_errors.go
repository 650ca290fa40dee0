package errors

// Sentinels for errors.Is matching. Is compares Type and Code only, so any
// AppError built with the same pair matches regardless of message or context.
var (
	ErrInvalidParameter          = NewConfigurationError(CodeInvalidParameter, "invalid parameter")
	ErrMissingColumn             = NewConfigurationError(CodeMissingColumn, "column not present in table")
	ErrInvalidHierarchy          = NewConfigurationError(CodeInvalidHierarchy, "invalid generalization hierarchy")
	ErrInsufficientData          = NewConfigurationError(CodeInsufficientData, "insufficient data")
	ErrInfeasibleConstraint      = NewPrivacyError(CodeInfeasibleConstraint, "constraint cannot be satisfied by any subset of the data")
	ErrTotalSuppression          = NewPrivacyError(CodeTotalSuppression, "every equivalence class was suppressed")
	ErrSuppressionBudgetExceeded = NewPrivacyError(CodeSuppressionBudgetExceeded, "suppression tolerance exceeded")
	ErrBudgetExhausted           = NewPrivacyError(CodeBudgetExhausted, "privacy budget exhausted")
	ErrUnboundedSensitivity      = NewPrivacyError(CodeUnboundedSensitivity, "query sensitivity is unbounded")
	ErrDataNotFound              = NewStorageError(CodeDataNotFound, "data not found")
)

// InvalidParameter builds a configuration error naming the offending parameter.
func InvalidParameter(name string, value interface{}, reason string) *AppError {
	return NewConfigurationError(CodeInvalidParameter, "invalid parameter "+name).
		WithDetails(reason).
		WithContext(name, value)
}

// MissingColumn builds a configuration error for a column absent from the table.
func MissingColumn(column string) *AppError {
	return NewConfigurationError(CodeMissingColumn, "column not present in table").
		WithDetails(column).
		WithContext("column", column)
}

// InfeasibleConstraint reports a k, l or t requirement that no subset can meet.
func InfeasibleConstraint(details string) *AppError {
	return NewPrivacyError(CodeInfeasibleConstraint, "constraint cannot be satisfied by any subset of the data").
		WithDetails(details)
}

// TotalSuppression reports a run where no equivalence class survived.
func TotalSuppression(details string) *AppError {
	return NewPrivacyError(CodeTotalSuppression, "every equivalence class was suppressed").
		WithDetails(details)
}

// SuppressionBudgetExceeded reports a suppression rate above the caller's tolerance.
func SuppressionBudgetExceeded(rate, threshold float64) *AppError {
	return NewPrivacyError(CodeSuppressionBudgetExceeded, "suppression tolerance exceeded").
		WithContext("suppression_rate", rate).
		WithContext("threshold", threshold)
}

// BudgetExhausted reports a query whose cost exceeds the remaining budget.
func BudgetExhausted(requested, remaining float64) *AppError {
	return NewPrivacyError(CodeBudgetExhausted, "privacy budget exhausted").
		WithContext("requested_epsilon", requested).
		WithContext("remaining_epsilon", remaining)
}

// UnboundedSensitivity reports a numeric query without a usable declared range.
func UnboundedSensitivity(column, reason string) *AppError {
	return NewPrivacyError(CodeUnboundedSensitivity, "query sensitivity is unbounded").
		WithDetails(reason).
		WithContext("column", column)
}
