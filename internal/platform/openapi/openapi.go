// Package openapi serves an OpenAPI 3.0 description of the indicator API.
package openapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Catalog lists the indicator names offered by the server.
type Catalog interface {
	Indicators() []string
}

// Generator builds an OpenAPI 3.0 document for the /api/v1 routes.
type Generator struct {
	catalog Catalog
	version string
	baseURL string
}

func NewGenerator(catalog Catalog, version, baseURL string) *Generator {
	return &Generator{catalog: catalog, version: version, baseURL: baseURL}
}

// GenerateSpec produces the document as a map ready for JSON encoding.
func (g *Generator) GenerateSpec() map[string]interface{} {
	names := g.catalog.Indicators()
	nameParam := map[string]interface{}{
		"name":     "name",
		"in":       "path",
		"required": true,
		"schema":   map[string]interface{}{"type": "string", "enum": names},
	}

	paths := map[string]interface{}{
		"/indicators": map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "List indicators",
				"operationId": "listIndicators",
				"tags":        []string{"indicators"},
				"parameters": []map[string]interface{}{
					queryInt("limit", "Page size (1-100)"),
					queryInt("offset", "Entries to skip"),
				},
				"responses": map[string]interface{}{
					"200": jsonResponse("Page of indicator descriptors", "#/components/schemas/DescriptorPage"),
				},
			},
		},
		"/indicators/{name}": map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "Describe an indicator",
				"operationId": "getIndicator",
				"tags":        []string{"indicators"},
				"parameters":  []map[string]interface{}{nameParam},
				"responses": map[string]interface{}{
					"200": jsonResponse("Indicator descriptor", "#/components/schemas/Descriptor"),
					"404": errorResponse("Unknown indicator"),
				},
			},
		},
		"/indicators/{name}/evaluate": map[string]interface{}{
			"post": map[string]interface{}{
				"summary":     "Evaluate an indicator for a period",
				"operationId": "evaluateIndicator",
				"tags":        []string{"evaluation"},
				"parameters":  []map[string]interface{}{nameParam},
				"requestBody": jsonBody("#/components/schemas/EvaluateRequest"),
				"responses":   evaluationResponses("200", "Indicator result", "#/components/schemas/Result"),
			},
		},
		"/reports": map[string]interface{}{
			"post": map[string]interface{}{
				"summary":     "Evaluate a set of indicators",
				"operationId": "runReport",
				"tags":        []string{"evaluation"},
				"requestBody": jsonBody("#/components/schemas/ReportRequest"),
				"responses":   evaluationResponses("201", "Report", "#/components/schemas/Report"),
			},
		},
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Cohort Indicator API",
			"version":     g.version,
			"description": "Evaluates calculation-backed cohort indicators over observation data",
		},
		"servers": []map[string]string{
			{"url": g.baseURL + "/api/v1"},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": componentSchemas(names),
		},
	}
}

func queryInt(name, description string) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"schema":      map[string]string{"type": "integer"},
	}
}

func jsonBody(ref string) map[string]interface{} {
	return map[string]interface{}{
		"required": true,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": ref},
			},
		},
	}
}

func jsonResponse(description, ref string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": ref},
			},
		},
	}
}

func errorResponse(description string) map[string]interface{} {
	return jsonResponse(description, "#/components/schemas/Error")
}

func evaluationResponses(status, description, ref string) map[string]interface{} {
	return map[string]interface{}{
		status: jsonResponse(description, ref),
		"400":  errorResponse("Malformed or invalid request"),
		"404":  errorResponse("Unknown indicator"),
		"422":  errorResponse("Binding or universe error"),
		"503":  errorResponse("Observation source unavailable"),
		"504":  errorResponse("Evaluation timed out"),
	}
}

func object(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func componentSchemas(names []string) map[string]interface{} {
	str := map[string]string{"type": "string"}
	date := map[string]string{"type": "string", "format": "date"}
	params := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": str,
	}
	binding := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": true,
	}
	cache := object(nil, map[string]interface{}{
		"hits":   map[string]string{"type": "integer"},
		"misses": map[string]string{"type": "integer"},
	})

	return map[string]interface{}{
		"Error": object([]string{"error", "message"}, map[string]interface{}{
			"error":   map[string]interface{}{"type": "string", "enum": []string{"invalid_request", "not_found", "binding", "universe", "data_access", "timeout", "internal"}},
			"message": str,
		}),
		"Descriptor": object([]string{"name", "kind"}, map[string]interface{}{
			"name":        map[string]interface{}{"type": "string", "enum": names},
			"description": str,
			"kind":        map[string]interface{}{"type": "string", "enum": []string{"count", "fraction"}},
			"parameters":  map[string]interface{}{"type": "array", "items": str},
		}),
		"DescriptorPage": object([]string{"data", "total"}, map[string]interface{}{
			"data":     map[string]interface{}{"type": "array", "items": map[string]string{"$ref": "#/components/schemas/Descriptor"}},
			"total":    map[string]string{"type": "integer"},
			"limit":    map[string]string{"type": "integer"},
			"offset":   map[string]string{"type": "integer"},
			"has_more": map[string]string{"type": "boolean"},
		}),
		"EvaluateRequest": object([]string{"endDate"}, map[string]interface{}{
			"startDate": date,
			"endDate":   date,
			"params":    params,
		}),
		"ReportRequest": object([]string{"indicators", "endDate"}, map[string]interface{}{
			"indicators": map[string]interface{}{"type": "array", "minItems": 1, "maxItems": 100, "items": str},
			"startDate":  date,
			"endDate":    date,
			"params":     params,
		}),
		"Result": object([]string{"indicator", "kind", "count"}, map[string]interface{}{
			"indicator":   str,
			"kind":        str,
			"count":       map[string]string{"type": "integer"},
			"denominator": map[string]string{"type": "integer"},
			"ratio":       map[string]string{"type": "string", "format": "decimal"},
			"pass_id":     str,
			"binding":     binding,
			"cache":       cache,
			"duration_ns": map[string]string{"type": "integer"},
		}),
		"Report": object([]string{"id", "results"}, map[string]interface{}{
			"id":           map[string]string{"type": "string", "format": "uuid"},
			"generated_at": map[string]string{"type": "string", "format": "date-time"},
			"binding":      binding,
			"results":      map[string]interface{}{"type": "array", "items": map[string]string{"$ref": "#/components/schemas/Result"}},
			"duration_ns":  map[string]string{"type": "integer"},
		}),
	}
}

// RegisterRoutes mounts /openapi.json on the API group.
func (g *Generator) RegisterRoutes(api *echo.Group) {
	api.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
}
