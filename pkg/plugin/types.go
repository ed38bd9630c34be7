package plugin

import (
	"context"
	"encoding/json"
	"time"
)

// Handler executes one tool function. Arguments are the raw JSON object the
// model produced; the returned string is handed back to the model verbatim.
type Handler func(ctx context.Context, arguments json.RawMessage) (string, error)

// Function describes a single callable tool function.
type Function struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the argument object.
	Parameters any
	Handler    Handler
}

// FunctionSet is a named group of functions registered as one unit.
type FunctionSet struct {
	Name        string
	Description string
	Functions   []Function
}

// Info is a read-only snapshot of a registration.
type Info struct {
	Name         string
	Description  string
	Functions    []string
	RegisteredAt time.Time
}
