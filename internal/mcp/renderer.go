package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolRenderer renders the tool catalog into model-consumable markdown.
// Prompts embed the rendered catalog so the model can pick tools and shape
// arguments against the real schemas.
type ToolRenderer struct {
	includeSchemas bool
	maxSchemaLen   int
}

// NewToolRenderer creates a renderer with schemas enabled.
func NewToolRenderer() *ToolRenderer {
	return &ToolRenderer{
		includeSchemas: true,
		maxSchemaLen:   500,
	}
}

// SetIncludeSchemas sets whether parameter schemas appear in the output.
func (r *ToolRenderer) SetIncludeSchemas(include bool) {
	r.includeSchemas = include
}

// SetMaxSchemaLen sets the maximum rendered length for one schema.
func (r *ToolRenderer) SetMaxSchemaLen(maxLen int) {
	r.maxSchemaLen = maxLen
}

// Render renders the catalog as markdown for prompt context.
func (r *ToolRenderer) Render(tools []ToolSchema) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## Available Tools (%d)\n\n", len(tools)))

	for i := range tools {
		r.renderTool(&sb, &tools[i])
	}

	return sb.String()
}

func (r *ToolRenderer) renderTool(sb *strings.Builder, tool *ToolSchema) {
	sb.WriteString(fmt.Sprintf("### %s\n", tool.Name))

	if tool.Description != "" {
		sb.WriteString(fmt.Sprintf("%s\n", tool.Description))
	}

	if len(tool.Required) > 0 {
		sb.WriteString(fmt.Sprintf("**Required:** %s\n", strings.Join(tool.Required, ", ")))
	}

	if r.includeSchemas && len(tool.InputSchema) > 0 {
		schema := r.formatSchema(tool.InputSchema)
		if schema != "" {
			sb.WriteString(fmt.Sprintf("\n**Parameters:**\n```json\n%s\n```\n", schema))
		}
	}

	sb.WriteString("\n")
}

// RenderCompact renders a single-line catalog summary for logs and status.
func (r *ToolRenderer) RenderCompact(tools []ToolSchema) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return fmt.Sprintf("Tools [%s]", strings.Join(names, ", "))
}

// RenderOne renders a single tool with its full schema, however long. Used
// when generating arguments for a tool that has already been chosen.
func (r *ToolRenderer) RenderOne(tool ToolSchema) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tool: %s\n", tool.Name))
	if tool.Description != "" {
		sb.WriteString(fmt.Sprintf("Description: %s\n", tool.Description))
	}
	if len(tool.InputSchema) > 0 {
		saved := r.maxSchemaLen
		r.maxSchemaLen = 0
		sb.WriteString(fmt.Sprintf("Parameters:\n```json\n%s\n```\n", r.formatSchema(tool.InputSchema)))
		r.maxSchemaLen = saved
	}
	return sb.String()
}

// formatSchema pretty-prints a schema, truncating past maxSchemaLen.
func (r *ToolRenderer) formatSchema(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}

	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}

	result := string(formatted)
	if r.maxSchemaLen > 0 && len(result) > r.maxSchemaLen {
		result = result[:r.maxSchemaLen] + "\n  ...(truncated)"
	}

	return result
}
