package playhouse

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzAndDebugStages(t *testing.T) {
	node := newTestNode(t)

	hs := NewHealthServer(node, testLogger())
	ts := httptest.NewServer(hs.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", healthResp.StatusCode)
	}
	var health healthzResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" || health.ServerID != "play-1" {
		t.Fatalf("unexpected healthz payload: %#v", health)
	}

	stagesResp, err := http.Get(ts.URL + "/debug/stages")
	if err != nil {
		t.Fatalf("GET /debug/stages: %v", err)
	}
	defer stagesResp.Body.Close()
	if stagesResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /debug/stages, got %d", stagesResp.StatusCode)
	}
	var stages debugStagesResponse
	if err := json.NewDecoder(stagesResp.Body).Decode(&stages); err != nil {
		t.Fatalf("decode debug/stages: %v", err)
	}
	if stages.StageCount != 0 {
		t.Fatalf("expected zero stages on a fresh node, got %d", stages.StageCount)
	}
}
