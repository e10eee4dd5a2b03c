package param

import "fmt"

// BindingError reports a parameter expression that is malformed or that
// references a name with no bound value.
type BindingError struct {
	Param  string // referenced name, when known
	Target string // formal parameter being bound, when known
	Expr   string
	Reason string
}

func (e *BindingError) Error() string {
	msg := "parameter binding"
	if e.Target != "" {
		msg += fmt.Sprintf(" %s", e.Target)
	}
	if e.Expr != "" {
		msg += fmt.Sprintf(" (%s)", e.Expr)
	}
	if e.Param != "" {
		msg += fmt.Sprintf(": %s", e.Param)
	}
	return msg + ": " + e.Reason
}
