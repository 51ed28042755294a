// Package storage persists the invocation status log.
//
// Every status report (succeeded, failed, discarded, killed, not found) can be
// appended here so operators can inspect recent invocations per job after the
// fact. Job definitions are never stored.
package storage
