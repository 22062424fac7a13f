package tool

import "errors"

var (
	// ErrDuplicateTool is returned when registering an already-known name.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrUnknownTool is returned when running an unregistered name.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArgument is returned when args fail schema validation.
	ErrInvalidArgument = errors.New("invalid tool argument")

	// ErrInvalidSchema is returned when a spec's schema is malformed.
	ErrInvalidSchema = errors.New("invalid tool schema")
)
