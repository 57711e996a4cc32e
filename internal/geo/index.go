package geo

import (
	"sort"

	"fleetcorr/internal/model"
	"fleetcorr/internal/textnorm"
)

// DefaultNameSimilarityThreshold is the floor for fuzzy terminal-name matches.
const DefaultNameSimilarityThreshold = 0.3

// Index is a static set of terminals supporting nearest-neighbor, within-radius
// and name-similarity queries. The set is small (tens of terminals), so linear
// scans are fine.
type Index struct {
	terminals []model.Terminal
}

func NewIndex(terminals []model.Terminal) *Index {
	ts := append([]model.Terminal(nil), terminals...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name < ts[j].Name })
	return &Index{terminals: ts}
}

// Terminals returns the indexed terminals.
func (ix *Index) Terminals() []model.Terminal { return ix.terminals }

// Hit is a distance-query result. WithinServiceArea is geodesic containment in
// the circular buffer around the terminal point, not a bounding-box test.
type Hit struct {
	Terminal          model.Terminal `json:"terminal"`
	DistanceKm        float64        `json:"distanceKm"`
	WithinServiceArea bool           `json:"withinServiceArea"`
}

// FindWithinDistance returns terminals within maxKm of the point, ascending by
// distance.
func (ix *Index) FindWithinDistance(lat, lon, maxKm float64) []Hit {
	out := []Hit{}
	for _, t := range ix.terminals {
		d := HaversineKm(lat, lon, t.Lat, t.Lon)
		if d > maxKm {
			continue
		}
		out = append(out, Hit{Terminal: t, DistanceKm: d, WithinServiceArea: d <= t.ServiceRadiusKm})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Terminal.Name < out[j].Terminal.Name
	})
	return out
}

// FindNearest returns the single closest terminal regardless of service-area
// membership. ok is false for an empty index.
func (ix *Index) FindNearest(lat, lon float64) (Hit, bool) {
	best := Hit{}
	found := false
	for _, t := range ix.terminals {
		d := HaversineKm(lat, lon, t.Lat, t.Lon)
		if !found || d < best.DistanceKm {
			best = Hit{Terminal: t, DistanceKm: d, WithinServiceArea: d <= t.ServiceRadiusKm}
			found = true
		}
	}
	return best, found
}

// NameHit is a name-similarity result.
type NameHit struct {
	Terminal   model.Terminal `json:"terminal"`
	Similarity float64        `json:"similarity"`
	Exact      bool           `json:"exact"`
}

// MatchByName ranks terminals against free text: exact normalized matches
// first, then candidates above the similarity threshold, highest first.
func (ix *Index) MatchByName(text string, threshold float64) []NameHit {
	if threshold <= 0 {
		threshold = DefaultNameSimilarityThreshold
	}
	norm := textnorm.Normalize(text)
	if norm == "" {
		return nil
	}
	out := []NameHit{}
	for _, t := range ix.terminals {
		tn := textnorm.Normalize(t.Name)
		if tn == norm {
			out = append(out, NameHit{Terminal: t, Similarity: 1, Exact: true})
			continue
		}
		sim := textnorm.Similarity(text, t.Name)
		if sim >= threshold {
			out = append(out, NameHit{Terminal: t, Similarity: sim})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exact != out[j].Exact {
			return out[i].Exact
		}
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Terminal.Name < out[j].Terminal.Name
	})
	return out
}
