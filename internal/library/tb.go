package library

import (
	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/indicator"
)

// tbCohorts builds TB screening and treatment cohorts.
type tbCohorts struct{ c *Catalog }

// screenedForTb: a TB screening outcome recorded between onOrAfter and
// onOrBefore.
func (t tbCohorts) screenedForTb() cohort.Definition {
	return cohort.ObsCohort{
		Label:   "screenedForTb",
		Concept: t.c.Concept("tb_screening"),
		Values: []string{
			t.c.Concept("tb_no_signs"),
			t.c.Concept("tb_presumed"),
			t.c.Concept("tb_on_treatment"),
		},
	}
}

// onTbTreatment: the latest screening in range records the patient as on
// treatment.
func (t tbCohorts) onTbTreatment() cohort.Definition {
	return cohort.ObsCohort{
		Label:   "onTbTreatment",
		Concept: t.c.Concept("tb_screening"),
		Values:  []string{t.c.Concept("tb_on_treatment")},
		Time:    cohort.LastObs,
	}
}

// presumedTb: the latest screening in range found presumptive TB.
func (t tbCohorts) presumedTb() cohort.Definition {
	return cohort.ObsCohort{
		Label:   "presumedTb",
		Concept: t.c.Concept("tb_screening"),
		Values:  []string{t.c.Concept("tb_presumed")},
		Time:    cohort.LastObs,
	}
}

func registerTB(l *Library, t tbCohorts) {
	l.RegisterCohort("tb", "screenedForTb", t.screenedForTb)
	l.RegisterCohort("tb", "onTbTreatment", t.onTbTreatment)
	l.RegisterCohort("tb", "presumedTb", t.presumedTb)

	l.RegisterIndicator("tb", "screenedForTb", func() indicator.Definition {
		return &indicator.Indicator{
			Name:        "tb.screenedForTb",
			Description: "patients screened for TB",
			Cohorts:     []cohort.Mapped{cohort.Map(t.screenedForTb(), reportRange)},
		}
	})
	l.RegisterIndicator("tb", "presumedTb", func() indicator.Definition {
		return &indicator.Indicator{
			Name:        "tb.presumedTb",
			Description: "patients with presumptive TB at their last screening",
			Cohorts:     []cohort.Mapped{cohort.Map(t.presumedTb(), reportRange)},
		}
	})
}
