// Package letter owns the letter model and its lifecycle: creation by guests
// or account holders, drafts, visibility of time-locked content, admin
// rescheduling and the encryption-layering repair.
//
// Persistence is behind Store; the storage package implements it.
package letter
