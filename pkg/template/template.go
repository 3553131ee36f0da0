// Package template renders node configuration values against the entity an
// instance runs for.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/kernelflow/pkg/protocol"
)

// Data is the template context of a node visit:
//
//	.entity.{entity_type,entity_id,version,status,verb,fields}
//	.instance.{id,definition_id,node_id,token_id}
//	.org_id
func Data(input protocol.NodeInput) map[string]any {
	return map[string]any{
		"entity": map[string]any{
			"entity_type": input.Entity.EntityType,
			"entity_id":   input.Entity.EntityID,
			"version":     input.Entity.Version,
			"status":      input.Entity.Status,
			"verb":        input.Entity.Verb,
			"fields":      input.Entity.Fields,
		},
		"instance": map[string]any{
			"id":            input.InstanceID,
			"definition_id": input.DefinitionID,
			"node_id":       input.NodeID,
			"token_id":      input.TokenID,
		},
		"org_id": input.OrgID,
	}
}

// NeedsTemplating reports whether s contains a template action.
func NeedsTemplating(s string) bool {
	return strings.Contains(s, "{{")
}

// RenderValue renders every templated string inside v, descending into maps
// and slices. Other values are returned unchanged.
func RenderValue(v any, data any) (any, error) {
	switch val := v.(type) {
	case string:
		if !NeedsTemplating(val) {
			return val, nil
		}

		return Render(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, item := range val {
			rendered, err := RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}

			out[k] = rendered
		}

		return out, nil
	case []any:
		out := make([]any, len(val))

		for i, item := range val {
			rendered, err := RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return v, nil
	}
}

// Render executes templateStr and coerces the output to JSON, a number or a
// bool when it parses as one.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("render").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
