// Package model contains the structured payload types shared across packages.
package model

import "time"

// Schedule is the structured result of one inference extraction: the named
// container for a single entity's events within one document.
type Schedule struct {
	EntityName string `json:"entityName"`
	// Term is only present when the source document stated both bounds.
	Term     *DateRange `json:"term,omitempty"`
	Events   []Event    `json:"events"`
	Warnings []string   `json:"warnings,omitempty"`
}

// DateRange is an inclusive start/end pair.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Event is one entry in a schedule. Order is significant and preserved
// exactly as the extraction produced it.
type Event struct {
	Title    string     `json:"title"`
	StartsAt time.Time  `json:"startsAt"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
	Location string     `json:"location,omitempty"`
	Notes    string     `json:"notes,omitempty"`
}
