package marketplace

import (
	"math/big"
	"testing"

	"github.com/r3e-network/agent-gateway/internal/pricing"
)

func listing(method, seller string, price int64) ToolListing {
	return ToolListing{
		Method:   method,
		SellerID: seller,
		Tiers:    []pricing.Tier{{ID: "t1", PricePerCall: big.NewInt(price)}},
	}
}

func TestPublishOverwritesSameSellerListing(t *testing.T) {
	r := New()
	r.Publish(listing("getBalance", "seller-a", 10))
	r.Publish(listing("getBalance", "seller-a", 20))

	results := r.Search(Query{Method: "getBalance"})
	if len(results) != 1 {
		t.Fatalf("expected exactly one listing after republish, got %d", len(results))
	}
	if results[0].Tiers[0].PricePerCall.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("expected the republished price to win, got %s", results[0].Tiers[0].PricePerCall)
	}
}

func TestSearchFiltersByMaxPrice(t *testing.T) {
	r := New()
	r.Publish(listing("getBalance", "cheap", 5))
	r.Publish(listing("getBalance", "expensive", 500))

	limitTier := pricing.Tier{PricePerCall: big.NewInt(100)}
	results := r.Search(Query{Method: "getBalance", MaxPrice: &limitTier})
	if len(results) != 1 || results[0].SellerID != "cheap" {
		t.Fatalf("expected only the cheap listing, got %+v", results)
	}
}

func TestSearchSortsByPriceAscendingByDefault(t *testing.T) {
	r := New()
	r.Publish(listing("getBalance", "mid", 50))
	r.Publish(listing("getBalance", "cheap", 5))
	r.Publish(listing("getBalance", "expensive", 500))

	results := r.Search(Query{Method: "getBalance", SortBy: SortByPrice})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].SellerID != "cheap" || results[2].SellerID != "expensive" {
		t.Errorf("unexpected sort order: %+v", results)
	}
}

func TestSearchPaginates(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.Publish(listing("getBalance", string(rune('a'+i)), int64(i)))
	}

	results := r.Search(Query{Method: "getBalance", Offset: 2, Limit: 2})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestReportAttestationUpdatesReputationAndListings(t *testing.T) {
	r := New()
	r.Publish(listing("getBalance", "seller-a", 10))

	r.ReportAttestation("seller-a", true, 100)
	r.ReportAttestation("seller-a", true, 100)
	r.ReportAttestation("seller-a", false, 100)

	results := r.Search(Query{Method: "getBalance"})
	if len(results) != 1 {
		t.Fatalf("expected one listing, got %d", len(results))
	}
	if results[0].ReputationScore <= 0 {
		t.Errorf("expected a positive reputation score, got %d", results[0].ReputationScore)
	}
	if results[0].TotalServed != 3 {
		t.Errorf("expected totalServed=3, got %d", results[0].TotalServed)
	}
}

func TestCheapestAndHighestReputationWrappers(t *testing.T) {
	r := New()
	r.Publish(listing("getBalance", "cheap", 5))
	r.Publish(listing("getBalance", "expensive", 500))
	r.ReportAttestation("expensive", true, 10)

	cheapest, ok := r.Cheapest("getBalance")
	if !ok || cheapest.SellerID != "cheap" {
		t.Errorf("expected cheap to be cheapest, got %+v", cheapest)
	}

	best, ok := r.HighestReputation("getBalance")
	if !ok || best.SellerID != "expensive" {
		t.Errorf("expected expensive to have the only nonzero reputation, got %+v", best)
	}
}

func TestSearchUnknownMethodReturnsEmpty(t *testing.T) {
	r := New()
	results := r.Search(Query{Method: "doesNotExist"})
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestStatsReflectsListingsBundlesAndReputation(t *testing.T) {
	r := New()
	r.Publish(listing("getBalance", "seller-a", 10))
	r.Publish(listing("sendTx", "seller-b", 20))
	r.PublishBundle(ToolBundle{ID: "bundle-1", Methods: []string{"getBalance", "sendTx"}})
	r.ReportAttestation("seller-a", true, 100)

	stats := r.Stats()
	if stats.TotalListings != 2 {
		t.Errorf("expected 2 listings, got %d", stats.TotalListings)
	}
	if stats.TotalBundles != 1 {
		t.Errorf("expected 1 bundle, got %d", stats.TotalBundles)
	}
	if stats.TotalSellers != 1 {
		t.Errorf("expected 1 seller with reputation, got %d", stats.TotalSellers)
	}
	if stats.AvgReputation <= 0 {
		t.Errorf("expected a positive average reputation, got %v", stats.AvgReputation)
	}
}
