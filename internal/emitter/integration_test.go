package emitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/fleet-emitter/core"
	"github.com/signalsfoundry/fleet-emitter/internal/delivery"
	"github.com/signalsfoundry/fleet-emitter/internal/feed"
	"github.com/signalsfoundry/fleet-emitter/internal/payload"
	"github.com/signalsfoundry/fleet-emitter/internal/rand"
	"github.com/signalsfoundry/fleet-emitter/model"
)

type ingestServer struct {
	mu      sync.Mutex
	records []model.Record
	headers []http.Header
}

func (s *ingestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rec model.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func TestEndToEndDefaultScenario(t *testing.T) {
	ingest := &ingestServer{}
	ingestSrv := httptest.NewServer(ingest)
	defer ingestSrv.Close()

	hub := feed.NewHub(nil)
	defer hub.Close()
	feedSrv := httptest.NewServer(hub)
	defer feedSrv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(feedSrv.URL, "http")+feed.Path, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("feed client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	scenario, err := core.DefaultScenario()
	if err != nil {
		t.Fatalf("DefaultScenario: %v", err)
	}
	src := rand.New(2024)
	engine, err := core.NewPositionEngine(scenario.Routes, src, core.WithJitter(scenario.Jitter))
	if err != nil {
		t.Fatalf("NewPositionEngine: %v", err)
	}
	sender, err := delivery.NewHTTPSender(delivery.HTTPConfig{
		Endpoint: ingestSrv.URL,
		Headers:  map[string]string{"X-Device-Key": "secret"},
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	em, err := New(Config{IOEvery: 12, EventMode: EventModeOnEntry}, Deps{
		Engine:  engine,
		Fences:  scenario.Fences,
		Builder: payload.NewBuilder("e2e-device", src),
		Sender:  sender,
		Sinks:   []Sink{hub},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// The first built-in route starts inside the azadi-square fence.
	res := em.Tick(context.Background(), time.Unix(0, 0))
	if len(res.DeliveryErrors) != 0 {
		t.Fatalf("delivery errors: %v", res.DeliveryErrors)
	}

	ingest.mu.Lock()
	got := append([]model.Record(nil), ingest.records...)
	headers := append([]http.Header(nil), ingest.headers...)
	ingest.mu.Unlock()

	wantKinds := []model.RecordKind{model.RecordKindPosition, model.RecordKindEvent, model.RecordKindIO}
	if len(got) != len(wantKinds) {
		t.Fatalf("ingest received %d records, want %d", len(got), len(wantKinds))
	}
	for i, kind := range wantKinds {
		if got[i].Kind != kind || got[i].DeviceID != "e2e-device" {
			t.Fatalf("record %d = %s from %s, want %s from e2e-device", i, got[i].Kind, got[i].DeviceID, kind)
		}
		if headers[i].Get("X-Device-Key") != "secret" {
			t.Fatalf("record %d missing configured header", i)
		}
	}
	if got[1].Event == nil || got[1].Event.Fence != "azadi-square" {
		t.Fatalf("event record = %+v, want azadi-square entry", got[1].Event)
	}
	if got[0].Route != "tehran-karaj" {
		t.Fatalf("route = %q, want tehran-karaj", got[0].Route)
	}

	for i, kind := range wantKinds {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var rec model.Record
		if err := conn.ReadJSON(&rec); err != nil {
			t.Fatalf("feed read %d: %v", i, err)
		}
		if rec.ID != got[i].ID || rec.Kind != kind {
			t.Fatalf("feed record %d = %s/%s, want %s/%s", i, rec.ID, rec.Kind, got[i].ID, kind)
		}
	}
}
