package privacy

import (
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// Technique names used in logs, metrics and pipeline reports.
const (
	TechniqueKAnonymity   = "k_anonymity"
	TechniqueLDiversity   = "l_diversity"
	TechniqueTCloseness   = "t_closeness"
	TechniqueDifferential = "differential_privacy"
	// TechniqueDPNoise perturbs record values in place of an aggregate release.
	TechniqueDPNoise = "dp_noise"
)

// Compliance is the three-way verdict of an anonymization run. A run that
// retains no class at all is VacuouslyTrue: the universal "every class
// complies" holds over the empty set, and callers must not read it as a
// useful release.
type Compliance string

const (
	Compliant     Compliance = "compliant"
	NonCompliant  Compliance = "non_compliant"
	VacuouslyTrue Compliance = "vacuously_true"
)

// Holds reports whether the constraint holds, vacuously or not.
func (c Compliance) Holds() bool {
	return c == Compliant || c == VacuouslyTrue
}

// Observer receives run outcomes. The metrics package implements it; the
// engines default to a no-op.
type Observer interface {
	ObserveAnonymization(technique string, compliance Compliance, retained, suppressed int)
	ObserveQuery(query string, epsilon float64, err error)
	ObserveBudget(session string, remaining float64)
}

type nopObserver struct{}

func (nopObserver) ObserveAnonymization(string, Compliance, int, int) {}
func (nopObserver) ObserveQuery(string, float64, error)               {}
func (nopObserver) ObserveBudget(string, float64)                     {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

func loggerOrDefault(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.New()
	}
	return logger
}

// checkColumns verifies that every named column exists in the table.
func checkColumns(table *models.Table, columns []string) error {
	for _, c := range columns {
		if !table.HasColumn(c) {
			return errors.MissingColumn(c)
		}
	}
	return nil
}

// validateAttributeSets rejects empty or unknown quasi-identifier and sensitive sets.
func validateAttributeSets(table *models.Table, qis, sas []string, requireSensitive bool) error {
	verrs := errors.NewValidationErrors()
	if len(qis) == 0 {
		verrs.Add("quasi_identifiers", errors.CodeInvalidParameter, "must not be empty", qis)
	}
	if requireSensitive && len(sas) == 0 {
		verrs.Add("sensitive_attributes", errors.CodeInvalidParameter, "must not be empty", sas)
	}
	if appErr := verrs.AsAppError(); appErr != nil {
		return appErr
	}
	if table == nil {
		return errors.InvalidParameter("table", nil, "table is nil")
	}
	if err := checkColumns(table, qis); err != nil {
		return err
	}
	return checkColumns(table, sas)
}
