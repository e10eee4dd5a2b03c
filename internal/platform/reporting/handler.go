package reporting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/ehr/cohort/internal/indicator"
	"github.com/ehr/cohort/internal/library"
	"github.com/ehr/cohort/internal/param"
	"github.com/ehr/cohort/internal/platform/middleware"
	"github.com/ehr/cohort/pkg/pagination"
)

// Binding names set from the request period.
const (
	StartDateParam = "startDate"
	EndDateParam   = "endDate"
)

// EvaluateRequest is the body of POST /indicators/:name/evaluate.
type EvaluateRequest struct {
	StartDate string            `json:"startDate" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string            `json:"endDate" validate:"required,datetime=2006-01-02"`
	Params    map[string]string `json:"params"`
}

// ReportRequest is the body of POST /reports.
type ReportRequest struct {
	Indicators []string          `json:"indicators" validate:"required,min=1,max=100,dive,required"`
	StartDate  string            `json:"startDate" validate:"omitempty,datetime=2006-01-02"`
	EndDate    string            `json:"endDate" validate:"required,datetime=2006-01-02"`
	Params     map[string]string `json:"params"`
}

// Handler serves the indicator and report endpoints.
type Handler struct {
	catalog  Catalog
	runner   *Runner
	validate *validator.Validate
}

func NewHandler(catalog Catalog, runner *Runner) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{catalog: catalog, runner: runner, validate: v}
}

// RegisterRoutes mounts the endpoints on api, normally the /api/v1 group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/indicators", h.ListIndicators)
	api.GET("/indicators/:name", h.GetIndicator)
	api.POST("/indicators/:name/evaluate", h.EvaluateIndicator)
	api.POST("/reports", h.RunReport)
}

// ListIndicators returns a page of indicator descriptors.
func (h *Handler) ListIndicators(c echo.Context) error {
	p := pagination.FromContext(c)
	names := h.catalog.Indicators()

	page := pagination.Slice(names, p)
	out := make([]indicator.Descriptor, 0, len(page))
	for _, name := range page {
		def, err := h.catalog.Indicator(name)
		if err != nil {
			return h.writeError(c, err)
		}
		out = append(out, def.Describe())
	}

	return c.JSON(http.StatusOK, pagination.NewResponse(out, len(names), p).WithLinks(c.Request().URL.Path, p))
}

// GetIndicator returns one indicator descriptor.
func (h *Handler) GetIndicator(c echo.Context) error {
	def, err := h.catalog.Indicator(c.Param("name"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, def.Describe())
}

// EvaluateIndicator evaluates one indicator for the requested period.
func (h *Handler) EvaluateIndicator(c echo.Context) error {
	name := c.Param("name")
	if _, err := h.catalog.Indicator(name); err != nil {
		return h.writeError(c, err)
	}

	var req EvaluateRequest
	if err := h.bind(c, &req); err != nil {
		return h.writeError(c, err)
	}
	binding, err := BuildBinding(req.StartDate, req.EndDate, req.Params)
	if err != nil {
		return h.writeError(c, err)
	}

	report, err := h.runner.Run(c.Request().Context(), []string{name}, binding)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, report.Results[0])
}

// RunReport evaluates a set of indicators for the requested period.
func (h *Handler) RunReport(c echo.Context) error {
	var req ReportRequest
	if err := h.bind(c, &req); err != nil {
		return h.writeError(c, err)
	}
	binding, err := BuildBinding(req.StartDate, req.EndDate, req.Params)
	if err != nil {
		return h.writeError(c, err)
	}

	report, err := h.runner.Run(c.Request().Context(), req.Indicators, binding)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, report)
}

// InvalidRequestError reports a malformed or invalid request body.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }

func (h *Handler) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return &InvalidRequestError{Reason: "malformed request body"}
	}
	if err := h.validate.Struct(req); err != nil {
		return &InvalidRequestError{Reason: describeValidation(err)}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "datetime":
			msgs = append(msgs, fe.Field()+" must be a date in YYYY-MM-DD form")
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must have between 1 and 100 entries", fe.Field()))
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// BuildBinding merges the period into the free-form parameters. Period
// dates win over same-named params.
func BuildBinding(start, end string, params map[string]string) (param.Values, error) {
	binding := param.ParseValues(params)

	endDate, err := time.Parse(param.DateLayout, end)
	if err != nil {
		return nil, &InvalidRequestError{Reason: "endDate must be a date in YYYY-MM-DD form"}
	}
	binding[EndDateParam] = endDate

	if start != "" {
		startDate, err := time.Parse(param.DateLayout, start)
		if err != nil {
			return nil, &InvalidRequestError{Reason: "startDate must be a date in YYYY-MM-DD form"}
		}
		if startDate.After(endDate) {
			return nil, &InvalidRequestError{Reason: fmt.Sprintf("startDate %s is after endDate %s", start, end)}
		}
		binding[StartDateParam] = startDate
	}
	return binding, nil
}

// writeError maps evaluation failures to responses: configuration problems
// are 4xx, infrastructure problems 5xx.
func (h *Handler) writeError(c echo.Context, err error) error {
	var ire *InvalidRequestError
	if errors.As(err, &ire) {
		return middleware.WriteError(c, http.StatusBadRequest, "invalid_request", ire.Reason)
	}
	if errors.Is(err, library.ErrNotFound) {
		return middleware.WriteError(c, http.StatusNotFound, "not_found", err.Error())
	}
	if errors.Is(err, ErrRunTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return middleware.WriteError(c, http.StatusGatewayTimeout, "timeout", err.Error())
	}
	if kind, ok := indicator.KindOf(err); ok {
		switch kind {
		case indicator.KindBinding, indicator.KindUniverse:
			return middleware.WriteError(c, http.StatusUnprocessableEntity, kind, err.Error())
		case indicator.KindDataAccess:
			return middleware.WriteError(c, http.StatusServiceUnavailable, kind, err.Error())
		}
		return middleware.WriteError(c, http.StatusInternalServerError, kind, "internal error")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return middleware.WriteError(c, http.StatusInternalServerError, indicator.KindInternal, "internal error")
}
