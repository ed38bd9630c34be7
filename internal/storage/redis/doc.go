// Package redis builds the shared go-redis client used by the Redis backed
// quota counters and job queue.
package redis
