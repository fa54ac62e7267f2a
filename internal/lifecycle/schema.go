package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jo-hoe/transcriptor/internal/engine"
	"github.com/jo-hoe/transcriptor/internal/jobs"
)

const paramsSchemaURL = "transcription-params.json"

// paramsSchema describes the accepted submission parameters. %s is the
// JSON array of known model names.
const paramsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["model", "response_format", "timestamp_granularity"],
  "properties": {
    "model": {"enum": %s},
    "language": {"type": "string", "pattern": "^([a-z]{2})?$"},
    "response_format": {"enum": ["json", "text", "srt", "vtt"]},
    "timestamp_granularity": {"enum": ["segment", "word"]},
    "temperature": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

func compileParamsSchema() (*jsonschema.Schema, error) {
	models, err := json.Marshal(engine.ModelNames())
	if err != nil {
		return nil, fmt.Errorf("marshal model names: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(paramsSchemaURL, strings.NewReader(fmt.Sprintf(paramsSchema, models))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(paramsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// WithDefaults fills unset parameters with their defaults.
func WithDefaults(p jobs.Params) jobs.Params {
	p.Model = strings.TrimSpace(p.Model)
	p.Language = strings.ToLower(strings.TrimSpace(p.Language))
	if p.Model == "" {
		p.Model = engine.DefaultModel
	}
	if p.ResponseFormat == "" {
		p.ResponseFormat = engine.FormatJSON
	}
	if p.TimestampGranularity == "" {
		p.TimestampGranularity = engine.GranularitySegment
	}
	return p
}

func validateParams(schema *jsonschema.Schema, p jobs.Params) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrInvalidParameters, err)
	}
	return nil
}
