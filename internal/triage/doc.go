// Package triage provides the business boundary for culler's photo triage.
// It defines the Session (a single-loop state machine that draws unseen
// photos and records keep/trash decisions), the Library and SetStore
// interfaces it depends on, and the metrics and hooks around it.
package triage
