// Package agent is the execution pipeline shared by every capability. It
// builds the conversation, bounds the model call with a per-capability
// timeout, records tool invocations, extracts usage and cost, classifies
// failures and writes exactly one audit record per attempt.
package agent
