package library

import (
	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/indicator"
)

// qiCohorts builds the quality improvement denominators.
type qiCohorts struct {
	hiv hivCohorts
	tb  tbCohorts
}

// hivInfectedNotOnTbTreatmentWithVisit: HIV positive by onOrBefore, not on TB
// treatment by onOrBefore, with an HIV care visit in the six months up to
// onOrBefore.
func (q qiCohorts) hivInfectedNotOnTbTreatmentWithVisit() cohort.Definition {
	notOnTreatment := cohort.Not("notOnTbTreatment", []string{cohort.ParamOnOrBefore},
		cohort.Map(q.tb.onTbTreatment(), "onOrBefore=${onOrBefore}"))
	return cohort.And("hivInfectedNotOnTbTreatmentWithVisit", dateRange,
		cohort.Map(q.hiv.hivPositive(), "onOrBefore=${onOrBefore}"),
		cohort.Map(notOnTreatment, "onOrBefore=${onOrBefore}"),
		cohort.Map(q.hiv.hasHivVisit(), "onOrAfter=${onOrBefore-6m},onOrBefore=${onOrBefore}"),
	)
}

// enrolledWithBaselineCd4: enrolled by onOrBefore with a CD4 count taken
// around enrollment.
func (q qiCohorts) enrolledWithBaselineCd4() cohort.Definition {
	return cohort.And("enrolledWithBaselineCd4", []string{cohort.ParamOnOrBefore},
		cohort.Map(q.hiv.enrolledInCare(), "onOrBefore=${onOrBefore}"),
		cohort.Map(q.hiv.initialCd4CountRecorded(), "onOrBefore=${onOrBefore}"),
	)
}

// enrolled12MonthsWithViralLoad: enrolled at least 12 months before
// onOrBefore with a viral load in those 12 months.
func (q qiCohorts) enrolled12MonthsWithViralLoad() cohort.Definition {
	return cohort.And("enrolled12MonthsWithViralLoad", []string{cohort.ParamOnOrBefore},
		cohort.Map(q.hiv.enrolledInCare(), "onOrBefore=${onOrBefore-12m}"),
		cohort.Map(q.hiv.hasViralLoadResult(), "onOrAfter=${onOrBefore-12m},onOrBefore=${onOrBefore}"),
	)
}

// enrolled12MonthsAndSuppressed: as enrolled12MonthsWithViralLoad, with the
// latest of those results suppressed.
func (q qiCohorts) enrolled12MonthsAndSuppressed() cohort.Definition {
	return cohort.And("enrolled12MonthsAndSuppressed", []string{cohort.ParamOnOrBefore},
		cohort.Map(q.hiv.enrolledInCare(), "onOrBefore=${onOrBefore-12m}"),
		cohort.Map(q.hiv.viralLoadSuppressed(), "onOrAfter=${onOrBefore-12m},onOrBefore=${onOrBefore}"),
	)
}

func registerQI(l *Library, q qiCohorts) {
	l.RegisterCohort("qi", "hivInfectedNotOnTbTreatmentWithVisit", q.hivInfectedNotOnTbTreatmentWithVisit)
	l.RegisterCohort("qi", "enrolledWithBaselineCd4", q.enrolledWithBaselineCd4)
	l.RegisterCohort("qi", "enrolled12MonthsWithViralLoad", q.enrolled12MonthsWithViralLoad)
	l.RegisterCohort("qi", "enrolled12MonthsAndSuppressed", q.enrolled12MonthsAndSuppressed)

	l.RegisterIndicator("qi", "hivMonitoringCd4", func() indicator.Definition {
		return &indicator.Fraction{
			Name:        "qi.hivMonitoringCd4",
			Description: "HIV monitoring - CD4",
			Numerator:   cohort.Map(q.hiv.hasCd4Result(), lastSixMonths),
			Denominator: cohort.Map(q.hiv.hasHivVisit(), lastSixMonths),
		}
	})
	l.RegisterIndicator("qi", "tbScreeningServiceCoverage", func() indicator.Definition {
		return &indicator.Fraction{
			Name:        "qi.tbScreeningServiceCoverage",
			Description: "TB screening - service coverage",
			Numerator:   cohort.Map(q.tb.screenedForTb(), lastSixMonths),
			Denominator: cohort.Map(q.hivInfectedNotOnTbTreatmentWithVisit(), reportRange),
		}
	})
	l.RegisterIndicator("qi", "cd4Improvement", func() indicator.Definition {
		return &indicator.Fraction{
			Name:        "qi.cd4Improvement",
			Description: "CD4 improvement since enrollment",
			Numerator:   cohort.Map(q.hiv.cd4Improved(), "onDate=${endDate}"),
			Denominator: cohort.Map(q.enrolledWithBaselineCd4(), "onOrBefore=${endDate-6m}"),
		}
	})
	l.RegisterIndicator("qi", "clinicalVisit", func() indicator.Definition {
		return &indicator.Fraction{
			Name:        "qi.clinicalVisit",
			Description: "Clinical visit",
			Numerator:   cohort.Map(q.hiv.inCareHasAtLeast2Visits(), "onDate=${endDate-6m}"),
			Denominator: cohort.Map(q.hiv.hasHivVisit(), reportRange),
		}
	})
	l.RegisterIndicator("qi", "hivMonitoringViralLoadSupression", func() indicator.Definition {
		return &indicator.Fraction{
			Name:        "qi.hivMonitoringViralLoadSupression",
			Description: "HIV monitoring - viral load - suppression outcome",
			Numerator:   cohort.Map(q.enrolled12MonthsAndSuppressed(), "onOrBefore=${endDate}"),
			Denominator: cohort.Map(q.enrolled12MonthsWithViralLoad(), "onOrBefore=${endDate}"),
		}
	})
}
