package notify

import (
	"testing"
	"time"
)

func TestSummaryCacheGetSet(t *testing.T) {
	cache := newSummaryCache(2, time.Hour)
	if cache == nil {
		t.Fatalf("expected cache instance")
	}

	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	cache.set("key", "신청 기간 3월 15일까지", now)

	summary, ok := cache.get("key", now.Add(30*time.Minute))
	if !ok {
		t.Fatalf("expected cached summary to be present")
	}
	if summary != "신청 기간 3월 15일까지" {
		t.Fatalf("unexpected summary: %q", summary)
	}
}

func TestSummaryCacheExpiresEntries(t *testing.T) {
	cache := newSummaryCache(2, time.Minute)
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	cache.set("key", "value", now)

	if _, ok := cache.get("key", now.Add(2*time.Minute)); ok {
		t.Fatalf("expected cache entry to expire")
	}
	if cache.len() != 0 {
		t.Fatalf("expected expired cache entry to be removed")
	}
}

func TestSummaryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := newSummaryCache(2, time.Hour)
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	cache.set("a", "summary-a", now)
	cache.set("b", "summary-b", now)

	if _, ok := cache.get("a", now); !ok {
		t.Fatalf("expected entry a to exist before eviction check")
	}

	cache.set("c", "summary-c", now)

	if _, ok := cache.get("a", now); !ok {
		t.Fatalf("expected entry a to remain after evicting least recently used")
	}
	if _, ok := cache.get("b", now); ok {
		t.Fatalf("expected entry b to be evicted")
	}
	if _, ok := cache.get("c", now); !ok {
		t.Fatalf("expected entry c to be cached")
	}
}

func TestSummaryCacheKeyDependsOnText(t *testing.T) {
	a := summaryCacheKey("https://ce.pknu.ac.kr/view/1", "본문")
	b := summaryCacheKey("https://ce.pknu.ac.kr/view/1", "수정된 본문")

	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty keys, got %q and %q", a, b)
	}
	if summaryCacheKey("", "본문") != "" {
		t.Fatalf("expected empty key without link")
	}
}

func TestNilSummaryCacheIsNoop(t *testing.T) {
	var cache *summaryCache

	cache.set("key", "value", time.Now())
	if _, ok := cache.get("key", time.Now()); ok {
		t.Fatalf("nil cache must never hit")
	}
}
