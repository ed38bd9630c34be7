// Package plugin maintains the named tool function sets a model runtime may
// call during a conversation. A Registry is shared by every invocation; sets
// are registered idempotently on first use and filtered by a configurable
// function policy.
package plugin
