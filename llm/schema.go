package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaError reports a structured response that failed validation. The
// offending content is kept for diagnostics.
type SchemaError struct {
	Violations []string
	Content    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("response failed schema validation: %s", strings.Join(e.Violations, "; "))
}

// CompleteStructured runs a completion and validates the extracted JSON
// against the given schema. Invalid responses are retried once with the
// violations appended as a corrective user message; a second failure is
// returned to the caller. The result is unmarshaled into out.
func (c *Client) CompleteStructured(ctx context.Context, req Request, schema string, out any) (*Response, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	verr := validateAndDecode(resp.Content, schema, out)
	if verr == nil {
		return resp, nil
	}

	var schemaErr *SchemaError
	switch v := verr.(type) {
	case *SchemaError:
		schemaErr = v
	default:
		return nil, verr
	}

	c.logger.Warn("Structured response failed validation, retrying",
		"request_id", resp.RequestID,
		"violations", schemaErr.Violations)

	retryReq := req
	retryReq.Messages = append(append([]Message{}, req.Messages...),
		Message{Role: "assistant", Content: resp.Content},
		Message{Role: "user", Content: correctionPrompt(schemaErr.Violations)},
	)

	resp, err = c.Complete(ctx, retryReq)
	if err != nil {
		return nil, err
	}
	if err := validateAndDecode(resp.Content, schema, out); err != nil {
		return nil, err
	}
	return resp, nil
}

// validateAndDecode extracts JSON from content, validates it against the
// schema, and unmarshals into out.
func validateAndDecode(content, schema string, out any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return &SchemaError{
			Violations: []string{"no JSON object found in response"},
			Content:    content,
		}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return &SchemaError{
			Violations: []string{fmt.Sprintf("invalid JSON: %v", err)},
			Content:    content,
		}
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}
		return &SchemaError{Violations: violations, Content: content}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &SchemaError{
			Violations: []string{fmt.Sprintf("decode: %v", err)},
			Content:    content,
		}
	}
	return nil
}

func correctionPrompt(violations []string) string {
	var b strings.Builder
	b.WriteString("The previous response did not match the required JSON schema:\n")
	for _, v := range violations {
		b.WriteString("- ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	b.WriteString("Respond again with only a valid JSON object matching the schema.")
	return b.String()
}
