package server

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/felixgeelhaar/loom/internal/version"
)

// OpenAPI describes the workflow and graph endpoints.
func OpenAPI() *openapi3.T {
	errorSchema := openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewStringSchema()).
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("workflow_id", openapi3.NewStringSchema())
	errorSchema.Required = []string{"error"}

	taskResult := openapi3.NewObjectSchema().
		WithProperty("task_id", openapi3.NewStringSchema()).
		WithProperty("tool", openapi3.NewStringSchema()).
		WithProperty("status", openapi3.NewStringSchema().WithEnum("completed", "failed", "failed_safe", "skipped")).
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("layer", openapi3.NewIntegerSchema()).
		WithProperty("duration", openapi3.NewInt64Schema())

	decision := openapi3.NewObjectSchema().
		WithProperty("layer", openapi3.NewIntegerSchema()).
		WithProperty("action", openapi3.NewStringSchema().WithEnum("continue", "abort", "replan")).
		WithProperty("requirement", openapi3.NewStringSchema()).
		WithProperty("timed_out", openapi3.NewBoolSchema())

	state := openapi3.NewObjectSchema().
		WithProperty("workflow_id", openapi3.NewStringSchema()).
		WithProperty("layer", openapi3.NewIntegerSchema()).
		WithProperty("status", openapi3.NewStringSchema()).
		WithProperty("stopped", openapi3.NewBoolSchema()).
		WithProperty("completed_tasks", openapi3.NewArraySchema().WithItems(taskResult)).
		WithProperty("decisions", openapi3.NewArraySchema().WithItems(decision)).
		WithProperty("context", openapi3.NewObjectSchema())

	edge := openapi3.NewObjectSchema().
		WithProperty("from", openapi3.NewStringSchema()).
		WithProperty("to", openapi3.NewStringSchema()).
		WithProperty("weight", openapi3.NewFloat64Schema().WithMin(0).WithMax(1)).
		WithProperty("count", openapi3.NewIntegerSchema()).
		WithProperty("successes", openapi3.NewIntegerSchema())

	stats := openapi3.NewObjectSchema().
		WithProperty("nodes", openapi3.NewIntegerSchema()).
		WithProperty("edges", openapi3.NewIntegerSchema()).
		WithProperty("communities", openapi3.NewIntegerSchema())

	list := openapi3.NewObjectSchema().
		WithProperty("workflows", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
		WithProperty("running", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()))

	graphSchema := openapi3.NewObjectSchema().
		WithProperty("stats", stats).
		WithProperty("edges", openapi3.NewArraySchema().WithItems(edge))

	idParam := openapi3.NewPathParameter("id").WithSchema(openapi3.NewStringSchema())
	idParam.Description = "workflow id"

	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "loom",
			Version: version.GetInfo().Short(),
		},
		Paths: openapi3.NewPaths(
			openapi3.WithPath("/api/workflows", &openapi3.PathItem{
				Get: &openapi3.Operation{
					OperationID: "listWorkflows",
					Summary:     "Workflows with a checkpoint and workflows running in this process",
					Responses: openapi3.NewResponses(
						openapi3.WithStatus(200, jsonResponse("workflow ids", list)),
						openapi3.WithStatus(500, jsonResponse("store failure", errorSchema)),
					),
				},
			}),
			openapi3.WithPath("/api/workflows/{id}", &openapi3.PathItem{
				Get: &openapi3.Operation{
					OperationID: "getWorkflow",
					Summary:     "Latest recorded state of a workflow",
					Parameters:  openapi3.Parameters{{Value: idParam}},
					Responses: openapi3.NewResponses(
						openapi3.WithStatus(200, jsonResponse("workflow state", state)),
						openapi3.WithStatus(404, jsonResponse("unknown workflow", errorSchema)),
						openapi3.WithStatus(422, jsonResponse("corrupt checkpoint", errorSchema)),
					),
				},
			}),
			openapi3.WithPath("/api/graph", &openapi3.PathItem{
				Get: &openapi3.Operation{
					OperationID: "getGraph",
					Summary:     "Learned tool dependency graph",
					Responses: openapi3.NewResponses(
						openapi3.WithStatus(200, jsonResponse("graph edges and statistics", graphSchema)),
					),
				},
			}),
		),
	}
}

func jsonResponse(description string, schema *openapi3.Schema) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription(description).WithJSONSchema(schema)}
}
