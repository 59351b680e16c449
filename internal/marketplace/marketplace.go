// Package marketplace implements the in-memory tool discovery registry:
// listings keyed by (method, seller), bundles, seller reputation scoring,
// and filtered/sorted/paginated search. An optional Redis-backed read
// cache can sit in front of search results for sellers that see high query
// volume, mirroring the teacher's infrastructure/cache wrapper pattern.
package marketplace

import (
	"context"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/r3e-network/agent-gateway/internal/pricing"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
	reputationAlpha    = 0.1
)

// ToolListing is one (method, seller) entry in the registry.
type ToolListing struct {
	Method               string
	Description          string
	SellerID             string
	Tiers                []pricing.Tier
	AvgLatencyMs         float64
	UptimePercent        float64
	TotalServed          int64
	ReputationScore      int
	AttestationAvailable bool
	Region               string
	CommitmentLevels     []string
	ListedAt             time.Time
	UpdatedAt            time.Time
}

// ToolBundle groups several methods under shared tier overrides.
type ToolBundle struct {
	ID            string
	Name          string
	Description   string
	Methods       []string
	SellerID      string
	TierOverrides []pricing.Tier
}

// ReputationSample is the running reputation state for one seller.
type ReputationSample struct {
	TotalAttestations    int64
	VerifiedAttestations int64
	TotalCalls           int64
	AvgLatencyMs         float64
	sampled              bool
	UpdatedAt            time.Time
}

// SortKey is the field a search may order results by.
type SortKey string

const (
	SortByPrice       SortKey = "price"
	SortByReputation  SortKey = "reputation"
	SortByLatency     SortKey = "latency"
	SortByUptime      SortKey = "uptime"
	SortByTotalServed SortKey = "total-served"
)

// Query is a marketplace search request. Zero values mean "unconstrained"
// for every field except Limit, which defaults to 50.
type Query struct {
	Method             string
	MethodSubstring    bool
	SellerID           string
	MaxPrice           *pricing.Tier // any tier at or below MaxPrice.PricePerCall satisfies
	MinReputation      int
	MinUptimePercent   float64
	RequireAttestation bool
	Region             string
	Tags               []string // union semantics against a listing's CommitmentLevels-as-tags
	SortBy             SortKey
	Descending         bool
	Offset             int
	Limit              int
}

// Registry is the marketplace's mutable state: listings, bundles, and
// reputation. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// listings[method][sellerID] = listing
	listings   map[string]map[string]*ToolListing
	bundles    map[string]*ToolBundle
	reputation map[string]*ReputationSample
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		listings:   make(map[string]map[string]*ToolListing),
		bundles:    make(map[string]*ToolBundle),
		reputation: make(map[string]*ReputationSample),
	}
}

// Publish records a listing. A seller may list a method exactly once;
// republishing overwrites the prior listing.
func (r *Registry) Publish(listing ToolListing) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if listing.ListedAt.IsZero() {
		listing.ListedAt = now
	}
	listing.UpdatedAt = now

	if rep, ok := r.reputation[listing.SellerID]; ok {
		listing.ReputationScore = rep.score()
		listing.AvgLatencyMs = rep.AvgLatencyMs
		listing.TotalServed = rep.TotalCalls
	}

	bySeller, ok := r.listings[listing.Method]
	if !ok {
		bySeller = make(map[string]*ToolListing)
		r.listings[listing.Method] = bySeller
	}
	l := listing
	bySeller[listing.SellerID] = &l
}

// PublishBundle records a bundle.
func (r *Registry) PublishBundle(bundle ToolBundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := bundle
	r.bundles[bundle.ID] = &b
}

// GetBundle looks up a bundle by id.
func (r *Registry) GetBundle(id string) (ToolBundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[id]
	if !ok {
		return ToolBundle{}, false
	}
	return *b, true
}

// score computes the reputation formula from spec §4.6. Range [0, 1000].
func (rep *ReputationSample) score() int {
	var verifiedRate float64
	if rep.TotalAttestations > 0 {
		verifiedRate = float64(rep.VerifiedAttestations) / float64(rep.TotalAttestations)
	}
	volumeScore := math.Log10(float64(rep.TotalCalls)+1) / 6
	if volumeScore > 1 {
		volumeScore = 1
	}
	latencyScore := 1 - rep.AvgLatencyMs/2000
	if latencyScore < 0 {
		latencyScore = 0
	}
	raw := verifiedRate*400 + volumeScore*300 + latencyScore*300
	return int(math.Round(raw))
}

// ReportAttestation folds one attestation outcome into a seller's
// reputation and writes the updated score/latency/total-served back into
// every listing belonging to that seller.
func (r *Registry) ReportAttestation(sellerID string, verified bool, latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep, ok := r.reputation[sellerID]
	if !ok {
		rep = &ReputationSample{}
		r.reputation[sellerID] = rep
	}

	rep.TotalAttestations++
	if verified {
		rep.VerifiedAttestations++
	}
	rep.TotalCalls++

	if !rep.sampled {
		rep.AvgLatencyMs = latencyMs
		rep.sampled = true
	} else {
		rep.AvgLatencyMs = reputationAlpha*latencyMs + (1-reputationAlpha)*rep.AvgLatencyMs
	}
	rep.UpdatedAt = time.Now().UTC()

	score := rep.score()
	for _, bySeller := range r.listings {
		if listing, ok := bySeller[sellerID]; ok {
			listing.ReputationScore = score
			listing.AvgLatencyMs = rep.AvgLatencyMs
			listing.TotalServed = rep.TotalCalls
			listing.UpdatedAt = rep.UpdatedAt
		}
	}
}

// Search filters, sorts, and paginates listings per q.
func (r *Registry) Search(q Query) []ToolListing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []ToolListing
	for method, bySeller := range r.listings {
		if q.Method != "" {
			if q.MethodSubstring {
				if !strings.Contains(strings.ToLower(method), strings.ToLower(q.Method)) {
					continue
				}
			} else if method != q.Method {
				continue
			}
		}
		for seller, listing := range bySeller {
			if q.SellerID != "" && seller != q.SellerID {
				continue
			}
			if !matchesListing(*listing, q) {
				continue
			}
			matches = append(matches, *listing)
		}
	}

	sortListings(matches, q.SortBy, q.Descending)
	return paginate(matches, q.Offset, q.Limit)
}

func matchesListing(l ToolListing, q Query) bool {
	if q.MaxPrice != nil {
		if !hasTierAtOrBelow(l.Tiers, q.MaxPrice.PricePerCall) {
			return false
		}
	}
	if q.MinReputation > 0 && l.ReputationScore < q.MinReputation {
		return false
	}
	if q.MinUptimePercent > 0 && l.UptimePercent < q.MinUptimePercent {
		return false
	}
	if q.RequireAttestation && !l.AttestationAvailable {
		return false
	}
	if q.Region != "" && l.Region != q.Region {
		return false
	}
	if len(q.Tags) > 0 && !anyTagMatches(l.CommitmentLevels, q.Tags) {
		return false
	}
	return true
}

// hasTierAtOrBelow reports whether any of tiers prices at or below limit.
func hasTierAtOrBelow(tiers []pricing.Tier, limit *big.Int) bool {
	if limit == nil {
		return true
	}
	for _, t := range tiers {
		if t.PricePerCall != nil && t.PricePerCall.Cmp(limit) <= 0 {
			return true
		}
	}
	return false
}

func anyTagMatches(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

func sortListings(listings []ToolListing, key SortKey, descending bool) {
	less := func(i, j int) bool {
		a, b := listings[i], listings[j]
		switch key {
		case SortByReputation:
			return a.ReputationScore < b.ReputationScore
		case SortByLatency:
			return a.AvgLatencyMs < b.AvgLatencyMs
		case SortByUptime:
			return a.UptimePercent < b.UptimePercent
		case SortByTotalServed:
			return a.TotalServed < b.TotalServed
		case SortByPrice:
			fallthrough
		default:
			return cheapestPrice(a.Tiers) < cheapestPrice(b.Tiers)
		}
	}
	sort.SliceStable(listings, func(i, j int) bool {
		if descending {
			return less(j, i)
		}
		return less(i, j)
	})
}

func cheapestPrice(tiers []pricing.Tier) float64 {
	if len(tiers) == 0 {
		return math.MaxFloat64
	}
	best := new(big.Float).SetInt(tiers[0].PricePerCall)
	bestF, _ := best.Float64()
	for _, t := range tiers[1:] {
		f, _ := new(big.Float).SetInt(t.PricePerCall).Float64()
		if f < bestF {
			bestF = f
		}
	}
	return bestF
}

func paginate(listings []ToolListing, offset, limit int) []ToolListing {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(listings) {
		return []ToolListing{}
	}
	end := offset + limit
	if end > len(listings) {
		end = len(listings)
	}
	return listings[offset:end]
}

// Cheapest is a single-call convenience wrapper over Search.
func (r *Registry) Cheapest(method string) (ToolListing, bool) {
	return r.one(Query{Method: method, SortBy: SortByPrice, Limit: 1})
}

// HighestReputation is a single-call convenience wrapper over Search.
func (r *Registry) HighestReputation(method string) (ToolListing, bool) {
	return r.one(Query{Method: method, SortBy: SortByReputation, Descending: true, Limit: 1})
}

// Fastest is a single-call convenience wrapper over Search.
func (r *Registry) Fastest(method string) (ToolListing, bool) {
	return r.one(Query{Method: method, SortBy: SortByLatency, Limit: 1})
}

func (r *Registry) one(q Query) (ToolListing, bool) {
	results := r.Search(q)
	if len(results) == 0 {
		return ToolListing{}, false
	}
	return results[0], true
}

// Stats is a snapshot of registry-wide counters for Gateway.GetMetrics.
type Stats struct {
	TotalListings int
	TotalBundles  int
	TotalSellers  int
	AvgReputation float64
}

// Stats summarizes the registry's current size and average reputation
// across all known sellers.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	listingCount := 0
	for _, bySeller := range r.listings {
		listingCount += len(bySeller)
	}

	var repSum float64
	for _, rep := range r.reputation {
		repSum += float64(rep.score())
	}
	avgRep := 0.0
	if len(r.reputation) > 0 {
		avgRep = repSum / float64(len(r.reputation))
	}

	return Stats{
		TotalListings: listingCount,
		TotalBundles:  len(r.bundles),
		TotalSellers:  len(r.reputation),
		AvgReputation: avgRep,
	}
}

// CacheReader is implemented by an optional read-through cache (e.g. the
// Redis-backed one in this package) sitting in front of Search.
type CacheReader interface {
	Get(ctx context.Context, key string) ([]ToolListing, bool)
	Set(ctx context.Context, key string, value []ToolListing, ttl time.Duration)
}
