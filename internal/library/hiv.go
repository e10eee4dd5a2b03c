package library

import (
	"github.com/shopspring/decimal"

	"github.com/ehr/cohort/internal/calculation"
	"github.com/ehr/cohort/internal/calculation/derived"
	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/indicator"
)

var dateRange = []string{cohort.ParamOnOrAfter, cohort.ParamOnOrBefore}

const (
	inRange       = "onOrAfter=${onOrAfter},onOrBefore=${onOrBefore}"
	reportRange   = "onOrAfter=${startDate},onOrBefore=${endDate}"
	lastSixMonths = "onOrAfter=${endDate-6m},onOrBefore=${endDate}"
)

// hivCohorts builds HIV care cohorts.
type hivCohorts struct{ c *Catalog }

// hasCd4Result: a CD4 count or CD4 percentage recorded between onOrAfter and
// onOrBefore.
func (h hivCohorts) hasCd4Result() cohort.Definition {
	count := cohort.ObsCohort{Label: "hasCd4Count", Concept: h.c.Concept("cd4_count")}
	percent := cohort.ObsCohort{Label: "hasCd4Percent", Concept: h.c.Concept("cd4_percent")}
	return cohort.Or("hasCd4Result", dateRange,
		cohort.Map(count, inRange),
		cohort.Map(percent, inRange),
	)
}

// hasHivVisit: an HIV care visit between onOrAfter and onOrBefore.
func (h hivCohorts) hasHivVisit() cohort.Definition {
	return cohort.ObsCohort{Label: "hasHivVisit", Concept: h.c.Concept("hiv_care_visit")}
}

// hivPositive: a positive HIV test result between onOrAfter and onOrBefore.
func (h hivCohorts) hivPositive() cohort.Definition {
	return cohort.ObsCohort{
		Label:   "hivPositive",
		Concept: h.c.Concept("hiv_test_result"),
		Values:  []string{h.c.Concept("hiv_positive")},
	}
}

// enrolledInCare: enrolled into HIV care between onOrAfter and onOrBefore.
func (h hivCohorts) enrolledInCare() cohort.Definition {
	return cohort.ObsCohort{Label: "enrolledInCare", Concept: h.c.Concept("hiv_enrollment"), Time: cohort.FirstObs}
}

// hasViralLoadResult: a viral load recorded between onOrAfter and onOrBefore.
func (h hivCohorts) hasViralLoadResult() cohort.Definition {
	return cohort.ObsCohort{Label: "hasViralLoadResult", Concept: h.c.Concept("viral_load")}
}

// suppressionCeiling is the highest viral load, in copies/ml, counted as
// suppressed.
var suppressionCeiling = decimal.NewFromInt(999)

// viralLoadSuppressed: the latest viral load in range is below 1000 copies/ml.
func (h hivCohorts) viralLoadSuppressed() cohort.Definition {
	return cohort.ObsCohort{
		Label:   "viralLoadSuppressed",
		Concept: h.c.Concept("viral_load"),
		Max:     &suppressionCeiling,
		Time:    cohort.LastObs,
	}
}

// inCareHasAtLeast2Visits: enrolled by onDate with two or more HIV care
// visits recorded by then.
func (h hivCohorts) inCareHasAtLeast2Visits() cohort.Definition {
	twoVisits := cohort.CalculationCohort{
		Label:       "hasTwoHivVisits",
		Calculation: derived.MinCount(h.c.Concept("hiv_care_visit"), 2),
	}
	return cohort.And("inCareHasAtLeast2Visits", []string{cohort.ParamOnDate},
		cohort.Map(h.enrolledInCare(), "onOrBefore=${onDate}"),
		cohort.Map(twoVisits, "onDate=${onDate}"),
	)
}

func (h hivCohorts) initialCd4Count() calculation.Ref {
	return derived.InitialValue(h.c.Concept("cd4_count"), h.c.Concept("hiv_enrollment"))
}

// cd4Improved: the latest CD4 count as of onDate is above the count taken
// at enrollment.
func (h hivCohorts) cd4Improved() cohort.Definition {
	change := derived.ChangeIn(h.initialCd4Count(), derived.LastObs(h.c.Concept("cd4_count")))
	return cohort.CalculationCohort{
		Label:       "cd4Improved",
		Calculation: derived.ImprovementIn(change),
		Value:       string(derived.Improved),
	}
}

// initialCd4PercentRecorded: a CD4 percentage was taken in the 91 days up to
// enrollment.
func (h hivCohorts) initialCd4PercentRecorded() cohort.Definition {
	return cohort.CalculationCohort{
		Label:       "initialCd4PercentRecorded",
		Calculation: derived.InitialValue(h.c.Concept("cd4_percent"), h.c.Concept("hiv_enrollment")),
	}
}

// initialCd4CountRecorded: a CD4 count was taken in the 91 days up to
// enrollment.
func (h hivCohorts) initialCd4CountRecorded() cohort.Definition {
	return cohort.CalculationCohort{Label: "initialCd4CountRecorded", Calculation: h.initialCd4Count()}
}

func registerHIV(l *Library, h hivCohorts) {
	l.RegisterCohort("hiv", "hasCd4Result", h.hasCd4Result)
	l.RegisterCohort("hiv", "hasHivVisit", h.hasHivVisit)
	l.RegisterCohort("hiv", "hivPositive", h.hivPositive)
	l.RegisterCohort("hiv", "enrolledInCare", h.enrolledInCare)
	l.RegisterCohort("hiv", "cd4Improved", h.cd4Improved)
	l.RegisterCohort("hiv", "initialCd4PercentRecorded", h.initialCd4PercentRecorded)
	l.RegisterCohort("hiv", "initialCd4CountRecorded", h.initialCd4CountRecorded)
	l.RegisterCohort("hiv", "hasViralLoadResult", h.hasViralLoadResult)
	l.RegisterCohort("hiv", "viralLoadSuppressed", h.viralLoadSuppressed)
	l.RegisterCohort("hiv", "inCareHasAtLeast2Visits", h.inCareHasAtLeast2Visits)

	l.RegisterIndicator("hiv", "enrolledInCare", func() indicator.Definition {
		return &indicator.Indicator{
			Name:        "hiv.enrolledInCare",
			Description: "patients newly enrolled into HIV care",
			Cohorts:     []cohort.Mapped{cohort.Map(h.enrolledInCare(), reportRange)},
		}
	})
	l.RegisterIndicator("hiv", "hasCd4Result", func() indicator.Definition {
		return &indicator.Indicator{
			Name:        "hiv.hasCd4Result",
			Description: "patients with a CD4 result",
			Cohorts:     []cohort.Mapped{cohort.Map(h.hasCd4Result(), reportRange)},
		}
	})
}
