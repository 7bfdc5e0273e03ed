// Package store persists calendar records and the assignments derived from them.
//
// Two backends are provided:
//   - "postgrest": a Supabase/PostgREST project (the production deployment)
//   - "sqlite": a local database file, handy for development and single-user setups
//
// Both enforce the same contract: an assignment is created at most once per
// (user, source key), and a notification flag only ever moves from false to true.
package store
