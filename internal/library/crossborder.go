package library

import (
	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/indicator"
)

// crossborderCohorts combines TB and HIV cohorts for cross-border clinics.
type crossborderCohorts struct {
	hiv hivCohorts
	tb  tbCohorts
}

// screenedForTbAndHivPositive: screened for TB and tested HIV positive, both
// between onOrAfter and onOrBefore.
func (c crossborderCohorts) screenedForTbAndHivPositive() cohort.Definition {
	return cohort.And("screenedForTbAndHivPositive", dateRange,
		cohort.Map(c.tb.screenedForTb(), inRange),
		cohort.Map(c.hiv.hivPositive(), inRange),
	)
}

// hivPositiveNotScreenedForTb: tested HIV positive in range with no TB
// screening in the same range.
func (c crossborderCohorts) hivPositiveNotScreenedForTb() cohort.Definition {
	notScreened := cohort.Not("notScreenedForTb", dateRange, cohort.Map(c.tb.screenedForTb(), inRange))
	return cohort.And("hivPositiveNotScreenedForTb", dateRange,
		cohort.Map(c.hiv.hivPositive(), inRange),
		cohort.Map(notScreened, inRange),
	)
}

// defaulted: enrolled in HIV care by onDate with no HIV care visit in the
// three months up to onDate.
func (c crossborderCohorts) defaulted() cohort.Definition {
	noRecentVisit := cohort.Not("noRecentHivVisit", dateRange, cohort.Map(c.hiv.hasHivVisit(), inRange))
	return cohort.And("defaulted", []string{cohort.ParamOnDate},
		cohort.Map(c.hiv.enrolledInCare(), "onOrBefore=${onDate}"),
		cohort.Map(noRecentVisit, "onOrAfter=${onDate-3m},onOrBefore=${onDate}"),
	)
}

func registerCrossborder(l *Library, c crossborderCohorts) {
	l.RegisterCohort("crossborder", "screenedForTbAndHivPositive", c.screenedForTbAndHivPositive)
	l.RegisterCohort("crossborder", "hivPositiveNotScreenedForTb", c.hivPositiveNotScreenedForTb)
	l.RegisterCohort("crossborder", "defaulted", c.defaulted)

	l.RegisterIndicator("crossborder", "screenedForTb", func() indicator.Definition {
		return &indicator.Indicator{
			Name:        "crossborder.screenedForTb",
			Description: "patients screened for TB",
			Cohorts:     []cohort.Mapped{cohort.Map(c.screenedForTbAndHivPositive(), reportRange)},
		}
	})
	l.RegisterIndicator("crossborder", "hivPositiveNotScreenedForTb", func() indicator.Definition {
		return &indicator.Indicator{
			Name:        "crossborder.hivPositiveNotScreenedForTb",
			Description: "HIV positive patients not screened for TB",
			Cohorts:     []cohort.Mapped{cohort.Map(c.hivPositiveNotScreenedForTb(), reportRange)},
		}
	})
	l.RegisterIndicator("crossborder", "defaulted", func() indicator.Definition {
		return &indicator.Indicator{
			Name:        "crossborder.defaulted",
			Description: "patients who defaulted",
			Cohorts:     []cohort.Mapped{cohort.Map(c.defaulted(), "onDate=${endDate}")},
		}
	})
}
