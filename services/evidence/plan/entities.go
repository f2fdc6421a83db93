// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"strings"
)

// EntityKind names one of the entity sets carried on a Plan.
type EntityKind string

const (
	EntityAirport   EntityKind = "airport"
	EntityFlight    EntityKind = "flight"
	EntityRoute     EntityKind = "route"
	EntityStation   EntityKind = "station"
	EntityAlternate EntityKind = "alternate"
)

var entityKindAliases = map[string]EntityKind{
	"airport":    EntityAirport,
	"airports":   EntityAirport,
	"aerodrome":  EntityAirport,
	"icao":       EntityAirport,
	"flight":     EntityFlight,
	"flights":    EntityFlight,
	"flight_id":  EntityFlight,
	"flight_ids": EntityFlight,
	"leg":        EntityFlight,
	"record":     EntityFlight,
	"route":      EntityRoute,
	"routes":     EntityRoute,
	"station":    EntityStation,
	"stations":   EntityStation,
	"alternate":  EntityAlternate,
	"alternates": EntityAlternate,
}

// ParseEntityKind resolves a node type label to an EntityKind.
//
// Outputs:
//   - EntityKind: The resolved kind. Empty when unknown.
//   - bool: False for unknown or empty labels.
func ParseEntityKind(label string) (EntityKind, bool) {
	kind, ok := entityKindAliases[strings.ToLower(strings.TrimSpace(label))]
	return kind, ok
}

// EntityRef is one typed node reference discovered during execution.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// EntityDelta is the set of entity references discovered by one wave.
//
// Deltas are produced by workers and merged into the Plan by the single
// goroutine that owns it, between waves.
type EntityDelta []EntityRef

// Entities holds the named entity sets of a Plan.
//
// Thread Safety: Not safe for concurrent mutation. The executor merges
// deltas from its owning goroutine only.
type Entities struct {
	Airports   []string `json:"airports,omitempty"`
	FlightIDs  []string `json:"flight_ids,omitempty"`
	Routes     []string `json:"routes,omitempty"`
	Stations   []string `json:"stations,omitempty"`
	Alternates []string `json:"alternates,omitempty"`
}

// set returns a pointer to the slice backing kind, or nil for unknown kinds.
func (e *Entities) set(kind EntityKind) *[]string {
	switch kind {
	case EntityAirport:
		return &e.Airports
	case EntityFlight:
		return &e.FlightIDs
	case EntityRoute:
		return &e.Routes
	case EntityStation:
		return &e.Stations
	case EntityAlternate:
		return &e.Alternates
	}
	return nil
}

// Add appends id to the set for kind if it is not already present.
//
// Comparison is case-insensitive; the first spelling seen is kept.
//
// Outputs:
//   - bool: True if the id was added.
func (e *Entities) Add(kind EntityKind, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	target := e.set(kind)
	if target == nil {
		return false
	}
	for _, existing := range *target {
		if strings.EqualFold(existing, id) {
			return false
		}
	}
	*target = append(*target, id)
	return true
}

// Merge adds every reference in delta and returns how many were new.
func (e *Entities) Merge(delta EntityDelta) int {
	added := 0
	for _, ref := range delta {
		if e.Add(ref.Kind, ref.ID) {
			added++
		}
	}
	return added
}

// Of returns a copy of the set for kind.
func (e Entities) Of(kind EntityKind) []string {
	target := e.set(kind)
	if target == nil {
		return nil
	}
	out := make([]string, len(*target))
	copy(out, *target)
	return out
}

// Clone returns a deep copy.
func (e Entities) Clone() Entities {
	return Entities{
		Airports:   e.Of(EntityAirport),
		FlightIDs:  e.Of(EntityFlight),
		Routes:     e.Of(EntityRoute),
		Stations:   e.Of(EntityStation),
		Alternates: e.Of(EntityAlternate),
	}
}

// Len returns the total number of ids across all sets.
func (e Entities) Len() int {
	return len(e.Airports) + len(e.FlightIDs) + len(e.Routes) + len(e.Stations) + len(e.Alternates)
}
