package tools

import (
	"github.com/anthropics/anthropic-sdk-go"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/openai/openai-go/v3"
)

// ConvertToOpenAIFormat converts tool definitions to OpenAI function-tool
// format. Azure OpenAI shares this format since it speaks the same API.
//
// MCP tool structure:
//
//	{
//	  "name": "read_note",
//	  "description": "Read a vault note",
//	  "inputSchema": {"type": "object", "properties": {...}, "required": [...]}
//	}
//
// OpenAI tool structure:
//
//	{
//	  "type": "function",
//	  "function": {"name": "read_note", "description": "...", "parameters": {...}}
//	}
func ConvertToOpenAIFormat(defs []Definition) []openai.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}

	result := make([]openai.ChatCompletionToolUnionParam, len(defs))

	for i, def := range defs {
		// Both schemas are JSON Schema; only the container changes.
		params := openai.FunctionParameters{
			"type":       def.Schema.Type,
			"properties": def.Schema.Properties,
		}

		if len(def.Schema.Required) > 0 {
			params["required"] = def.Schema.Required
		}

		if def.Schema.Defs != nil {
			params["$defs"] = def.Schema.Defs
		}

		result[i] = openai.ChatCompletionFunctionTool(
			openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  params,
			},
		)
	}

	return result
}

// ConvertToAnthropicFormat converts tool definitions to Anthropic's tool-use
// format (ToolUnionParam with input_schema).
func ConvertToAnthropicFormat(defs []Definition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}

	result := make([]anthropic.ToolUnionParam, len(defs))

	for i, def := range defs {
		inputSchema := anthropic.ToolInputSchemaParam{
			// Type defaults to "object" when omitted
			Properties: def.Schema.Properties,
		}

		if len(def.Schema.Required) > 0 {
			inputSchema.Required = def.Schema.Required
		}

		if def.Schema.Defs != nil {
			inputSchema.ExtraFields = map[string]any{
				"$defs": def.Schema.Defs,
			}
		}

		result[i] = anthropic.ToolUnionParamOfTool(inputSchema, def.Name)

		if def.Description != "" {
			result[i].OfTool.Description = anthropic.String(def.Description)
		}
	}

	return result
}

// SchemaFromMCP builds a definition from an MCP tool plus a handler, for
// callers that source tool shapes from an MCP server.
func SchemaFromMCP(tool mcptypes.Tool, handler Handler) Definition {
	return Definition{
		Name:        tool.Name,
		Description: tool.Description,
		Schema:      tool.InputSchema,
		Handler:     handler,
	}
}
