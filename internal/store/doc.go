// Package store defines the pipeline's persisted records and the interfaces
// for persisting them (raw items, news events, analysis jobs, results and the
// signal read path). Implementations live in internal/storage/...; this
// package must not import database drivers or concrete clients.
package store
