// Package schedule fires recurring triggers.
//
// A schedule maps a name to a spec (cron, interval or HH:MM) and a trigger
// template. Each firing clones the template with a fresh InvocationID and
// hands it to the dispatcher asynchronously; execution, replacement and
// status reporting stay with the dispatcher and its workers.
package schedule
