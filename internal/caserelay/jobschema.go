package caserelay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const userCasePayloadSchema = `{
  "type": "object",
  "required": ["userId", "caseId"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "caseId": {"type": "string", "minLength": 1},
    "requestId": {"type": "string"}
  }
}`

const connectorPayloadSchema = `{
  "type": "object",
  "required": ["userId", "caseId", "requestId"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "caseId": {"type": "string", "minLength": 1},
    "requestId": {"type": "string", "minLength": 1}
  }
}`

const emptyPayloadSchema = `{"type": "object"}`

var jobPayloadSchemaSources = map[JobType]string{
	JobSyncCase:         userCasePayloadSchema,
	JobSyncAllUsers:     emptyPayloadSchema,
	JobDigiLockerFetch:  connectorPayloadSchema,
	JobFIRFetch:         connectorPayloadSchema,
	JobLandRecordsFetch: connectorPayloadSchema,
}

var compiledJobSchemas = struct {
	once    sync.Once
	err     error
	schemas map[JobType]*jsonschema.Schema
}{}

func jobPayloadSchemas() (map[JobType]*jsonschema.Schema, error) {
	compiledJobSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		schemas := make(map[JobType]*jsonschema.Schema, len(jobPayloadSchemaSources))
		for jobType, source := range jobPayloadSchemaSources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
			if err != nil {
				compiledJobSchemas.err = fmt.Errorf("parse %s schema: %w", jobType, err)
				return
			}
			url := "caserelay://jobs/" + string(jobType) + ".json"
			if err := compiler.AddResource(url, doc); err != nil {
				compiledJobSchemas.err = fmt.Errorf("add %s schema: %w", jobType, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				compiledJobSchemas.err = fmt.Errorf("compile %s schema: %w", jobType, err)
				return
			}
			schemas[jobType] = schema
		}
		compiledJobSchemas.schemas = schemas
	})
	return compiledJobSchemas.schemas, compiledJobSchemas.err
}

// ValidateJobPayload checks a payload against the schema of its job type.
// Unknown job types and malformed payloads wrap ErrInvalidInput.
func ValidateJobPayload(jobType JobType, payload JobPayload) error {
	schemas, err := jobPayloadSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[jobType]
	if !ok {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidInput, jobType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, jobType, err)
	}
	return nil
}
