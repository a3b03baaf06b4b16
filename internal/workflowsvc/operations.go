package workflowsvc

import (
	"context"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/requisition/model"
)

// Operation ids the client depends on. The workflow service's OpenAPI
// document must declare all of them.
const (
	OpCreateLevel            = "createLevel"
	OpCreateRecipients       = "createRecipients"
	OpUpdateWorkflow         = "updateWorkflow"
	OpCreateWorkflowInstance = "createWorkflowInstance"
)

var requiredOperations = []string{
	OpCreateLevel,
	OpCreateRecipients,
	OpUpdateWorkflow,
	OpCreateWorkflowInstance,
}

// Operation is one resolved endpoint of the workflow service.
type Operation struct {
	ID           string
	Method       string
	PathTemplate string
	BaseURL      string
	// Required lists the top-level request body fields the schema demands.
	Required []string
}

// Operations indexes the workflow service's endpoints by operation id.
type Operations struct {
	byID map[string]Operation
}

// LoadOperations parses and validates the OpenAPI document at specPath.
// When baseURL is empty the document's first server URL is used.
func LoadOperations(ctx context.Context, specPath, baseURL string) (*Operations, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("workflowsvc: loading %s: %w", specPath, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("workflowsvc: validating %s: %w", specPath, err)
	}
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	ops := &Operations{byID: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			ops.byID[op.OperationID] = Operation{
				ID:           op.OperationID,
				Method:       method,
				PathTemplate: path,
				BaseURL:      baseURL,
				Required:     requiredFields(op),
			}
		}
	}

	var missing []string
	for _, id := range requiredOperations {
		if _, ok := ops.byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("workflowsvc: %s does not declare operations %v", specPath, missing)
	}
	return ops, nil
}

func requiredFields(op *openapi3.Operation) []string {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	mt := op.RequestBody.Value.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}
	return append([]string(nil), mt.Schema.Value.Required...)
}

// Get returns the operation with the given id.
func (o *Operations) Get(id string) (Operation, bool) {
	op, ok := o.byID[id]
	return op, ok
}

// IDs returns every indexed operation id, sorted.
func (o *Operations) IDs() []string {
	ids := make([]string, 0, len(o.byID))
	for id := range o.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks body against the required fields of the operation's
// request schema.
func (op Operation) Validate(body map[string]any) []model.FieldError {
	var errs []model.FieldError
	for _, field := range op.Required {
		if _, ok := body[field]; !ok {
			errs = append(errs, model.FieldError{
				Field:   field,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", field),
			})
		}
	}
	return errs
}
