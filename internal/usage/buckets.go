package usage

import (
	"sort"
	"strings"
	"time"
)

// Bucket is one sub-quota of a provider that reports several, such as a model
// family quota.
type Bucket struct {
	ID                string
	RemainingFraction float64
	ResetTime         *time.Time
}

// ReduceByID keeps the lowest remaining fraction per bucket id and returns the
// result sorted by id. Buckets with an empty id are dropped.
func ReduceByID(buckets []Bucket) []Bucket {
	byID := make(map[string]Bucket, len(buckets))
	for _, b := range buckets {
		if b.ID == "" {
			continue
		}
		if existing, ok := byID[b.ID]; ok && existing.RemainingFraction <= b.RemainingFraction {
			continue
		}
		byID[b.ID] = b
	}
	out := make([]Bucket, 0, len(byID))
	for _, b := range byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectLowest returns the bucket with the lowest remaining fraction among
// those whose id contains filter (case-insensitive). An empty filter matches
// every bucket. Buckets are reduced and sorted by id first, so ties go to the
// lowest id.
func SelectLowest(buckets []Bucket, filter string) (Bucket, bool) {
	filter = strings.ToLower(filter)
	var (
		best  Bucket
		found bool
	)
	for _, b := range ReduceByID(buckets) {
		if filter != "" && !strings.Contains(strings.ToLower(b.ID), filter) {
			continue
		}
		if !found || b.RemainingFraction < best.RemainingFraction {
			best = b
			found = true
		}
	}
	return best, found
}
