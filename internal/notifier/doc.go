// Package notifier persists in-app notifications for letter owners.
//
// Emit never blocks the caller: notifications go to a bounded queue and a
// small worker pool writes them to the Store with retry and backoff. Each
// notification carries a deterministic dedup key, so a delivery job that runs
// twice still yields one LETTER_DELIVERED row.
//
// # History
//
// The service keeps a short in-memory history of written notifications for
// the admin endpoints.
package notifier
