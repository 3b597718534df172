package mcp

const (
	ToolExport = "migration.export"
	ToolImport = "migration.import"
	ToolStatus = "migration.status"
	ToolCancel = "migration.cancel"
)

// MigrationTools returns the tool definitions served by MigrationHandlers.
func MigrationTools() []Tool {
	return []Tool{exportTool(), importTool(), statusTool(), cancelTool()}
}

func noExtra() *bool {
	v := false
	return &v
}

func parametersSchema() JSONSchema {
	one := 1.0
	selector := JSONSchema{
		Type:        "object",
		Description: "Selectors for one kind of item.",
		Properties: map[string]JSONSchema{
			"paths":    {Type: "array", Description: "Absolute repository paths.", Items: &JSONSchema{Type: "string"}},
			"queries":  {Type: "array", Description: "XPath (leading /) or SQL (leading select) queries.", Items: &JSONSchema{Type: "string"}},
			"includes": {Type: "array", Description: "Glob patterns a handle path must match.", Items: &JSONSchema{Type: "string"}},
			"excludes": {Type: "array", Description: "Glob patterns that drop a handle path.", Items: &JSONSchema{Type: "string"}},
		},
	}
	return JSONSchema{
		Type:        "object",
		Description: "Execution parameters. Omitted fields fall back to the server configuration.",
		Properties: map[string]JSONSchema{
			"batchSize":            {Type: "integer", Description: "Items per batch.", Minimum: &one},
			"throttle":             {Type: "integer", Description: "Pause between batches in milliseconds."},
			"publishOnImport":      {Type: "string", Enum: []string{"none", "all", "live"}},
			"dataUrlSizeThreshold": {Type: "integer", Description: "Largest payload in bytes inlined as a data URL."},
			"binaries":             selector,
			"documents":            selector,
			"docbasePropertyNames": {Type: "array", Items: &JSONSchema{Type: "string"}},
			"documentTags":         {Type: "array", Items: &JSONSchema{Type: "string"}},
			"binaryTags":           {Type: "array", Items: &JSONSchema{Type: "string"}},
		},
	}
}

func exportTool() Tool {
	return Tool{
		Name:        ToolExport,
		Description: "Start an export of the selected binaries and documents into a ZIP package. Returns a process id to poll with migration.status.",
		InputSchema: JSONSchema{
			Type:                 "object",
			Properties:           map[string]JSONSchema{"parameters": parametersSchema()},
			AdditionalProperties: noExtra(),
		},
	}
}

func importTool() Tool {
	return Tool{
		Name:        ToolImport,
		Description: "Start an import of a ZIP package readable by the server. Returns a process id to poll with migration.status.",
		InputSchema: JSONSchema{
			Type: "object",
			Properties: map[string]JSONSchema{
				"packagePath": {Type: "string", Description: "Path of the package on the server's filesystem."},
				"parameters":  parametersSchema(),
			},
			Required:             []string{"packagePath"},
			AdditionalProperties: noExtra(),
		},
	}
}

func processIDSchema(description string) JSONSchema {
	return JSONSchema{
		Type:                 "object",
		Properties:           map[string]JSONSchema{"processId": {Type: "string", Description: description}},
		Required:             []string{"processId"},
		AdditionalProperties: noExtra(),
	}
}

func statusTool() Tool {
	return Tool{
		Name:        ToolStatus,
		Description: "Report status, progress, completion time and result of a migration process.",
		InputSchema: processIDSchema("Id returned by migration.export or migration.import."),
	}
}

func cancelTool() Tool {
	return Tool{
		Name:        ToolCancel,
		Description: "Request cancellation of a running migration process. It stops at the next batch boundary.",
		InputSchema: processIDSchema("Id of the process to cancel."),
	}
}
