// Package resolve attributes telemetry/safety events to canonical drivers via
// an ordered chain of strategies. Strategies are evaluated in a fixed order and
// the first success wins; they are never blended.
package resolve

import (
	"sort"
	"strings"
	"time"

	"fleetcorr/internal/model"
	"fleetcorr/internal/textnorm"
)

// Fixed strategy confidences. Widening the vehicle window never increases
// confidence.
const (
	ConfidenceDirect      = 1.0
	ConfidenceNameMapping = 0.9
	ConfidenceWindow30Min = 0.85
	ConfidenceWindow1Hr   = 0.75
	ConfidenceWindowDay   = 0.50
	ConfidenceActiveTrip  = 0.80
	ConfidenceNameMatch   = 1.0
)

// RefData is the pre-fetched reference snapshot a resolution pass runs against.
// Strategies are pure over it, so each is independently testable.
type RefData struct {
	drivers   map[string]model.Driver
	vehicles  map[string]model.Vehicle   // normalized registration or device serial -> vehicle
	byName    map[string][]model.Driver  // normalized full name -> drivers
	mappings  map[string]string          // source|normalized name -> driver id
	events    map[string][]model.RawEvent // vehicle id -> events
	trips     map[string][]model.Trip     // vehicle id -> trips
}

func NewRefData(drivers []model.Driver, vehicles []model.Vehicle, mappings []model.NameMapping, events []model.RawEvent, trips []model.Trip) *RefData {
	rd := &RefData{
		drivers:  map[string]model.Driver{},
		vehicles: map[string]model.Vehicle{},
		byName:   map[string][]model.Driver{},
		mappings: map[string]string{},
		events:   map[string][]model.RawEvent{},
		trips:    map[string][]model.Trip{},
	}
	for _, d := range drivers {
		rd.drivers[d.ID] = d
		if n := textnorm.NormalizeName(d.FullName); n != "" {
			rd.byName[n] = append(rd.byName[n], d)
		}
	}
	for _, v := range vehicles {
		if r := normReg(v.Registration); r != "" {
			rd.vehicles[r] = v
		}
		for _, ser := range v.DeviceSerials {
			if s := normReg(ser); s != "" {
				rd.vehicles[s] = v
			}
		}
	}
	for _, m := range mappings {
		rd.mappings[mappingKey(m.Source, m.Name)] = m.DriverID
	}
	for _, e := range events {
		if v, ok := rd.VehicleFor(e.Registration); ok {
			rd.events[v.ID] = append(rd.events[v.ID], e)
		}
	}
	for _, t := range trips {
		if v, ok := rd.VehicleFor(t.Registration); ok {
			rd.trips[v.ID] = append(rd.trips[v.ID], t)
		}
	}
	return rd
}

// VehicleFor matches a reported registration (or device serial) to a canonical
// vehicle, tolerating casing, whitespace and punctuation differences.
func (rd *RefData) VehicleFor(registration string) (model.Vehicle, bool) {
	v, ok := rd.vehicles[normReg(registration)]
	return v, ok
}

func normReg(s string) string {
	return strings.ReplaceAll(textnorm.Normalize(s), " ", "")
}

func mappingKey(source model.EventSource, name string) string {
	return string(source) + "|" + textnorm.NormalizeName(name)
}

// resolveName resolves a free-text driver name: explicit mapping first, then an
// unambiguous exact match on canonical full names. Used both for donor events
// in the window strategy and by the terminal strategies themselves.
func (rd *RefData) resolveName(source model.EventSource, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if id, ok := rd.mappings[mappingKey(source, name)]; ok {
		return id, true
	}
	ds := rd.byName[textnorm.NormalizeName(name)]
	if len(ds) == 1 {
		return ds[0].ID, true
	}
	return "", false
}

// Strategy attempts to attribute an event; ok=false means it declines.
type Strategy func(ev model.RawEvent, vehicle model.Vehicle, rd *RefData) (model.Attribution, bool)

// Chain returns the ordered strategy list: direct reference, explicit name
// mapping, vehicle+time-window inference, active-trip containment, fuzzy name
// match.
func Chain() []Strategy {
	return []Strategy{direct, nameMapping, vehicleWindow, activeTrip, nameMatch}
}

// Resolve runs the chain over an event. An event whose registration matches no
// known vehicle short-circuits to unresolved; unknown-vehicle events are still
// attributed (as unresolved), never dropped.
func Resolve(ev model.RawEvent, rd *RefData, now time.Time) model.Attribution {
	vehicle, ok := rd.VehicleFor(ev.Registration)
	if ok {
		for _, strat := range Chain() {
			if att, hit := strat(ev, vehicle, rd); hit {
				att.EventID = ev.ID
				att.ResolvedAt = now
				return att
			}
		}
	}
	return model.Attribution{EventID: ev.ID, Method: model.MethodUnknown, Confidence: 0, ResolvedAt: now}
}

// direct: the source system already supplied a validated driver identifier.
func direct(ev model.RawEvent, _ model.Vehicle, rd *RefData) (model.Attribution, bool) {
	if ev.DriverRef == "" {
		return model.Attribution{}, false
	}
	if _, ok := rd.drivers[ev.DriverRef]; !ok {
		return model.Attribution{}, false
	}
	return model.Attribution{DriverID: ev.DriverRef, Method: model.MethodDirect, Confidence: ConfidenceDirect}, true
}

// nameMapping: maintained override table wins over any name heuristics.
func nameMapping(ev model.RawEvent, _ model.Vehicle, rd *RefData) (model.Attribution, bool) {
	if ev.DriverName == "" {
		return model.Attribution{}, false
	}
	id, ok := rd.mappings[mappingKey(ev.Source, ev.DriverName)]
	if !ok {
		return model.Attribution{}, false
	}
	return model.Attribution{DriverID: id, Method: model.MethodNameMapping, Confidence: ConfidenceNameMapping}, true
}

type windowCandidate struct {
	driverID   string
	confidence float64
	method     model.ResolutionMethod
	delta      time.Duration
}

// vehicleWindow: borrow the driver from another event or trip on the same
// vehicle close in time. ±30 minutes preferred, widened to ±1 hour, then same
// calendar day as a last resort, with confidence decreasing as the window
// widens.
func vehicleWindow(ev model.RawEvent, vehicle model.Vehicle, rd *RefData) (model.Attribution, bool) {
	cands := []windowCandidate{}
	add := func(driverID string, at time.Time) {
		delta := ev.OccurredAt.Sub(at)
		if delta < 0 {
			delta = -delta
		}
		switch {
		case delta <= 30*time.Minute:
			cands = append(cands, windowCandidate{driverID, ConfidenceWindow30Min, model.MethodWindow30Min, delta})
		case delta <= time.Hour:
			cands = append(cands, windowCandidate{driverID, ConfidenceWindow1Hr, model.MethodWindow1Hr, delta})
		case sameDay(ev.OccurredAt, at):
			cands = append(cands, windowCandidate{driverID, ConfidenceWindowDay, model.MethodWindowDay, delta})
		}
	}
	for _, other := range rd.events[vehicle.ID] {
		if other.ID == ev.ID {
			continue
		}
		if other.DriverRef != "" {
			if _, ok := rd.drivers[other.DriverRef]; ok {
				add(other.DriverRef, other.OccurredAt)
				continue
			}
		}
		if id, ok := rd.resolveName(other.Source, other.DriverName); ok {
			add(id, other.OccurredAt)
		}
	}
	for _, tr := range rd.trips[vehicle.ID] {
		if tr.DriverID != "" {
			add(tr.DriverID, tr.StartAt)
		} else if id, ok := rd.resolveName(model.SourceTrip, tr.DriverName); ok {
			add(id, tr.StartAt)
		}
	}
	if len(cands) == 0 {
		return model.Attribution{}, false
	}
	// Highest confidence first, then smallest absolute time difference.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].confidence != cands[j].confidence {
			return cands[i].confidence > cands[j].confidence
		}
		if cands[i].delta != cands[j].delta {
			return cands[i].delta < cands[j].delta
		}
		return cands[i].driverID < cands[j].driverID
	})
	best := cands[0]
	return model.Attribution{DriverID: best.driverID, Method: best.method, Confidence: best.confidence}, true
}

// activeTrip: the event timestamp falls inside an open trip with a known driver
// on the same vehicle.
func activeTrip(ev model.RawEvent, vehicle model.Vehicle, rd *RefData) (model.Attribution, bool) {
	best := ""
	var bestStart time.Time
	for _, tr := range rd.trips[vehicle.ID] {
		if ev.OccurredAt.Before(tr.StartAt) || ev.OccurredAt.After(tr.EndAt) {
			continue
		}
		id := tr.DriverID
		if id == "" {
			var ok bool
			if id, ok = rd.resolveName(model.SourceTrip, tr.DriverName); !ok {
				continue
			}
		}
		if best == "" || tr.StartAt.After(bestStart) {
			best = id
			bestStart = tr.StartAt
		}
	}
	if best == "" {
		return model.Attribution{}, false
	}
	return model.Attribution{DriverID: best, Method: model.MethodActiveTrip, Confidence: ConfidenceActiveTrip}, true
}

// nameMatch: case/whitespace-insensitive comparison of the reported name
// against canonical driver names, constrained to the vehicle's fleet when the
// name is ambiguous across fleets. Primary source-of-truth match, used only
// when no override mapping exists.
func nameMatch(ev model.RawEvent, vehicle model.Vehicle, rd *RefData) (model.Attribution, bool) {
	if ev.DriverName == "" {
		return model.Attribution{}, false
	}
	ds := rd.byName[textnorm.NormalizeName(ev.DriverName)]
	if len(ds) == 0 {
		return model.Attribution{}, false
	}
	if len(ds) > 1 && vehicle.Fleet != "" {
		narrowed := []model.Driver{}
		for _, d := range ds {
			if d.Fleet == vehicle.Fleet {
				narrowed = append(narrowed, d)
			}
		}
		ds = narrowed
	}
	if len(ds) != 1 {
		return model.Attribution{}, false
	}
	return model.Attribution{DriverID: ds[0].ID, Method: model.MethodNameMatch, Confidence: ConfidenceNameMatch}, true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
