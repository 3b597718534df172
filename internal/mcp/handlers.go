package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/johnswift/contentbridge/internal/jobs"
	"github.com/johnswift/contentbridge/internal/migrate"
)

// MigrationService is what the tools drive. *process.Launcher implements it.
type MigrationService interface {
	Defaults() migrate.Parameters
	StartExport(params migrate.Parameters) (string, error)
	StageImport(src io.Reader) (string, error)
	DiscardImportFile(path string)
	StartImport(params migrate.Parameters, packagePath string) (string, error)
	Status(ctx context.Context, id string) (jobs.Status, error)
	Cancel(ctx context.Context, id string) error
}

type ExportArgs struct {
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type ImportArgs struct {
	PackagePath string          `json:"packagePath"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ProcessArgs struct {
	ProcessID string `json:"processId"`
}

// SubmitResult is returned by the export and import tools.
type SubmitResult struct {
	ProcessID string `json:"processId"`
}

// CancelResult is returned by migration.cancel.
type CancelResult struct {
	OK     bool       `json:"ok"`
	Status jobs.State `json:"status"`
}

// MigrationHandlers binds the migration tools to a service.
type MigrationHandlers struct {
	service MigrationService
}

func NewMigrationHandlers(service MigrationService) *MigrationHandlers {
	return &MigrationHandlers{service: service}
}

// Register registers every migration tool on server.
func (h *MigrationHandlers) Register(server *Server) {
	handlers := map[string]Handler{
		ToolExport: h.HandleExport,
		ToolImport: h.HandleImport,
		ToolStatus: h.HandleStatus,
		ToolCancel: h.HandleCancel,
	}
	for _, tool := range MigrationTools() {
		server.RegisterTool(tool, handlers[tool.Name])
	}
}

func unmarshalArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(args)) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, NewError(InvalidParams, "invalid arguments: "+err.Error())
	}
	return v, nil
}

func (h *MigrationHandlers) parameters(raw json.RawMessage) (migrate.Parameters, error) {
	params := h.service.Defaults()
	if len(bytes.TrimSpace(raw)) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return migrate.Parameters{}, NewError(InvalidParams, "invalid parameters: "+err.Error())
	}
	return params, nil
}

func (h *MigrationHandlers) HandleExport(_ context.Context, raw json.RawMessage) (any, error) {
	args, err := unmarshalArgs[ExportArgs](raw)
	if err != nil {
		return nil, err
	}
	params, err := h.parameters(args.Parameters)
	if err != nil {
		return nil, err
	}
	id, err := h.service.StartExport(params)
	if err != nil {
		return nil, fmt.Errorf("start export: %w", err)
	}
	return SubmitResult{ProcessID: id}, nil
}

func (h *MigrationHandlers) HandleImport(_ context.Context, raw json.RawMessage) (any, error) {
	args, err := unmarshalArgs[ImportArgs](raw)
	if err != nil {
		return nil, err
	}
	if args.PackagePath == "" {
		return nil, NewError(InvalidParams, "packagePath is required")
	}
	params, err := h.parameters(args.Parameters)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(args.PackagePath)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	defer src.Close()
	staged, err := h.service.StageImport(src)
	if err != nil {
		return nil, err
	}

	id, err := h.service.StartImport(params, staged)
	if err != nil {
		h.service.DiscardImportFile(staged)
		return nil, fmt.Errorf("start import: %w", err)
	}
	return SubmitResult{ProcessID: id}, nil
}

func (h *MigrationHandlers) processID(raw json.RawMessage) (string, error) {
	args, err := unmarshalArgs[ProcessArgs](raw)
	if err != nil {
		return "", err
	}
	if args.ProcessID == "" {
		return "", NewError(InvalidParams, "processId is required")
	}
	return args.ProcessID, nil
}

func (h *MigrationHandlers) HandleStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	id, err := h.processID(raw)
	if err != nil {
		return nil, err
	}
	return h.service.Status(ctx, id)
}

func (h *MigrationHandlers) HandleCancel(ctx context.Context, raw json.RawMessage) (any, error) {
	id, err := h.processID(raw)
	if err != nil {
		return nil, err
	}
	if err := h.service.Cancel(ctx, id); err != nil {
		return nil, err
	}
	st, err := h.service.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return CancelResult{OK: true, Status: st.State}, nil
}
