// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianEvidence/services/evidence/plan"
)

var (
	routePattern   = regexp.MustCompile(`\b([A-Z]{4})\s*(?:-|–|→|->|/|\bto\b)\s*([A-Z]{4})\b`)
	icaoPattern    = regexp.MustCompile(`\b[CKPELRYZ][A-Z]{3}\b`)
	flightPattern  = regexp.MustCompile(`\b[A-Z]{2,3}\d{1,4}[A-Z]?\b`)
	horizonPattern = regexp.MustCompile(`(?i)\b(?:last|past|next|previous)\s+(\d{1,4})\s*(minutes?|mins?|m|hours?|hrs?|h|days?|d)\b`)
)

// notAirports are four-letter upper-case aviation terms that look like ICAO codes.
var notAirports = map[string]bool{
	"CTAF": true, "CTOT": true, "EDCT": true, "EOBT": true, "KIAS": true, "PAPI": true,
}

// ExtractEntities finds airports, routes and flight ids in query text.
//
// Only upper-case tokens are considered: ICAO airport codes, routes written
// as "KSEA-KLAX", "KSEA→KLAX" or "KSEA to KLAX", and flight numbers such as
// "UA123" or "ASA10".
func ExtractEntities(query string) plan.EntityDelta {
	var delta plan.EntityDelta
	for _, m := range routePattern.FindAllStringSubmatch(query, -1) {
		delta = append(delta,
			plan.EntityRef{Kind: plan.EntityRoute, ID: m[1] + "-" + m[2]},
			plan.EntityRef{Kind: plan.EntityAirport, ID: m[1]},
			plan.EntityRef{Kind: plan.EntityAirport, ID: m[2]},
		)
	}
	for _, code := range icaoPattern.FindAllString(query, -1) {
		if notAirports[code] {
			continue
		}
		delta = append(delta, plan.EntityRef{Kind: plan.EntityAirport, ID: code})
	}
	for _, id := range flightPattern.FindAllString(query, -1) {
		delta = append(delta, plan.EntityRef{Kind: plan.EntityFlight, ID: id})
	}
	return delta
}

// HorizonFromQuery parses phrases like "last 3 hours" or "past 90 min".
func HorizonFromQuery(query string) (int, bool) {
	m := horizonPattern.FindStringSubmatch(query)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "h"):
		return n * 60, true
	case strings.HasPrefix(unit, "d"):
		return n * 24 * 60, true
	default:
		return n, true
	}
}
