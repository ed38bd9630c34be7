// Package sqlstore provides repositories backed by MySQL or SQLite. It owns
// the embedded schema migrations, the execution audit table and the
// project/sprint/task snapshot tables consumed by the capability layer.
package sqlstore
