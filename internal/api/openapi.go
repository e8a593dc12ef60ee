package api

import (
	"fmt"

	"github.com/mattjoyce/studiobridge/internal/catalog"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every catalog
// submit route.
func buildOpenAPIDoc(cat *catalog.Catalog) map[string]any {
	paths := map[string]any{}
	for _, e := range cat.List() {
		paths["/bridge/"+e.Route] = map[string]any{"post": routeOperation(e)}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Studio Bridge",
			"version": Version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"ApiKeyAuth": map[string]any{
					"type": "apiKey",
					"in":   "header",
					"name": "X-API-Key",
				},
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// routeOperation builds the POST operation for a single catalog entry.
func routeOperation(e catalog.Entry) map[string]any {
	summary := e.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s: %s", e.Category, e.Action)
	}

	return map[string]any{
		"operationId": fmt.Sprintf("%s__%s", e.Category, e.Action),
		"summary":     summary,
		"tags":        []string{e.Category},
		"x-risk":      string(e.Risk),
		"requestBody": map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": e.Schema(),
				},
			},
		},
		"responses": map[string]any{
			"202": map[string]any{"description": "Command queued"},
			"200": map[string]any{"description": "Idempotency key already bound; original returned"},
			"400": map[string]any{"description": "Payload failed validation"},
			"403": map[string]any{"description": "Insufficient scope"},
		},
		"security": []any{
			map[string]any{"ApiKeyAuth": []string{}},
			map[string]any{"BearerAuth": []string{}},
		},
	}
}
