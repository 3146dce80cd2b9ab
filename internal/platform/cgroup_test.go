package platform

import "testing"

func TestRecommendMaxClientsNoLimitUsesDefault(t *testing.T) {
	if got := RecommendMaxClients(0); got != defaultRecommended {
		t.Fatalf("RecommendMaxClients(0) = %d, want %d", got, defaultRecommended)
	}
}

func TestRecommendMaxClientsScalesWithMemoryAndRespectsBounds(t *testing.T) {
	if got := RecommendMaxClients(1 << 30); got <= minRecommended {
		t.Fatalf("RecommendMaxClients(1GiB) = %d, want > %d", got, minRecommended)
	}
	if got := RecommendMaxClients(1 << 10); got != minRecommended {
		t.Fatalf("RecommendMaxClients(tiny limit) = %d, want floor %d", got, minRecommended)
	}
	if got := RecommendMaxClients(1 << 40); got != maxRecommended {
		t.Fatalf("RecommendMaxClients(1TiB) = %d, want ceiling %d", got, maxRecommended)
	}
}

func TestMemoryLimitBytesReturnsNonNegativeOnBareMetal(t *testing.T) {
	limit, err := MemoryLimitBytes()
	if err != nil {
		t.Fatalf("MemoryLimitBytes: %v", err)
	}
	if limit < 0 {
		t.Fatalf("MemoryLimitBytes = %d, want >= 0", limit)
	}
}
