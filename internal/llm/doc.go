// Package llm defines the model invocation contract used by the agent
// pipeline: conversations, generation settings, replies and tool functions.
// It also normalizes usage metrics from loosely structured replies and prices
// them per model.
package llm
