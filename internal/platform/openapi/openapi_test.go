package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCatalog []string

func (c staticCatalog) Indicators() []string { return c }

func newGenerator() *Generator {
	return NewGenerator(staticCatalog{"tb.screenedForTb", "tb.presumedTb"}, "1.2.0", "http://localhost:8080")
}

func TestGenerateSpec_Info(t *testing.T) {
	spec := newGenerator().GenerateSpec()

	assert.Equal(t, "3.0.3", spec["openapi"])
	info := spec["info"].(map[string]interface{})
	assert.Equal(t, "1.2.0", info["version"])
	assert.Equal(t, "Cohort Indicator API", info["title"])

	servers := spec["servers"].([]map[string]string)
	require.Len(t, servers, 1)
	assert.Equal(t, "http://localhost:8080/api/v1", servers[0]["url"])
}

func TestGenerateSpec_Paths(t *testing.T) {
	paths := newGenerator().GenerateSpec()["paths"].(map[string]interface{})

	for _, p := range []string{"/indicators", "/indicators/{name}", "/indicators/{name}/evaluate", "/reports"} {
		assert.Contains(t, paths, p)
	}

	evaluate := paths["/indicators/{name}/evaluate"].(map[string]interface{})["post"].(map[string]interface{})
	assert.Equal(t, "evaluateIndicator", evaluate["operationId"])
	responses := evaluate["responses"].(map[string]interface{})
	for _, code := range []string{"200", "400", "404", "422", "503", "504"} {
		assert.Contains(t, responses, code)
	}

	report := paths["/reports"].(map[string]interface{})["post"].(map[string]interface{})
	assert.Contains(t, report["responses"], "201")
}

func TestGenerateSpec_IndicatorEnum(t *testing.T) {
	paths := newGenerator().GenerateSpec()["paths"].(map[string]interface{})
	get := paths["/indicators/{name}"].(map[string]interface{})["get"].(map[string]interface{})
	params := get["parameters"].([]map[string]interface{})
	require.Len(t, params, 1)

	schema := params[0]["schema"].(map[string]interface{})
	assert.Equal(t, []string{"tb.screenedForTb", "tb.presumedTb"}, schema["enum"])
}

func TestGenerateSpec_Schemas(t *testing.T) {
	components := newGenerator().GenerateSpec()["components"].(map[string]interface{})
	schemas := components["schemas"].(map[string]interface{})

	for _, name := range []string{"Error", "Descriptor", "DescriptorPage", "EvaluateRequest", "ReportRequest", "Result", "Report"} {
		assert.Contains(t, schemas, name)
	}
	req := schemas["ReportRequest"].(map[string]interface{})
	assert.Equal(t, []string{"indicators", "endDate"}, req["required"])
}

func TestRegisterRoutes(t *testing.T) {
	e := echo.New()
	newGenerator().RegisterRoutes(e.Group("/api/v1"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
}
