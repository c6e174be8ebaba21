// Package incident defines the core data model for the analysis engine:
// Incident, Analysis and Pattern records, plus the Store persistence boundary.
package incident
