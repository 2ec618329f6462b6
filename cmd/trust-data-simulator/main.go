// trust-data-simulator registers a simulated sensor fleet against a
// running trustd instance and streams plausible soil telemetry at it,
// optionally injecting fault scenarios into one victim sensor.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const defaultInterval = 5 * time.Second

// sensorState carries the slowly-evolving true field state behind one
// simulated sensor.
type sensorState struct {
	externalID string
	zone       string

	moisture float64
	temp     float64
	ec       float64
	ph       float64

	// Per-sensor calibration offsets so zone peers agree but are not
	// identical.
	moistureOffset float64
	tempOffset     float64

	// Drift scenario accumulator.
	driftBias float64
}

type payload struct {
	Timestamp        time.Time `json:"timestamp"`
	Moisture         *float64  `json:"moisture,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	EC               *float64  `json:"ec,omitempty"`
	PH               *float64  `json:"ph,omitempty"`
	AirTemp          *float64  `json:"airTemp,omitempty"`
	IsRaining        *bool     `json:"isRaining,omitempty"`
	IrrigationActive *bool     `json:"irrigationActive,omitempty"`
}

type simulator struct {
	serverURL string
	apiKey    string
	client    *http.Client
	logger    *log.Logger
	rng       *rand.Rand

	sensors  []*sensorState
	scenario string
	victim   string
}

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "Base URL of the trustd instance")
		apiKey    = flag.String("api-key", "", "API key, if the server requires one")
		perZone   = flag.Int("per-zone", 4, "Sensors to simulate per zone")
		zones     = flag.String("zones", "north-field,south-field", "Comma-separated zone names")
		interval  = flag.Duration("interval", defaultInterval, "Interval between telemetry rounds")
		scenario  = flag.String("scenario", "none", "Fault scenario for the first sensor: none, spike, static, drift, impossible, field-event")
		seed      = flag.Int64("seed", 0, "Random seed (0 uses the current time)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[trust-data-simulator] ", log.LstdFlags)

	switch *scenario {
	case "none", "spike", "static", "drift", "impossible", "field-event":
	default:
		logger.Fatalf("unknown scenario %q", *scenario)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	sim := &simulator{
		serverURL: strings.TrimRight(*serverURL, "/"),
		apiKey:    *apiKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		rng:       rand.New(rand.NewSource(*seed)),
		scenario:  *scenario,
	}
	sim.buildFleet(strings.Split(*zones, ","), *perZone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	if err := sim.registerFleet(ctx); err != nil {
		logger.Fatalf("Failed to register fleet: %v", err)
	}

	sim.run(ctx, *interval)
}

func (s *simulator) buildFleet(zones []string, perZone int) {
	for _, zone := range zones {
		zone = strings.TrimSpace(zone)
		if zone == "" {
			continue
		}
		// Zone-level base conditions; peers share these.
		baseMoisture := 35 + s.rng.Float64()*20
		baseTemp := 16 + s.rng.Float64()*8

		for i := 0; i < perZone; i++ {
			st := &sensorState{
				externalID:     fmt.Sprintf("%s-%02d", zone, i+1),
				zone:           zone,
				moisture:       baseMoisture,
				temp:           baseTemp,
				ec:             1.0 + s.rng.Float64()*0.8,
				ph:             6.2 + s.rng.Float64()*0.8,
				moistureOffset: s.rng.NormFloat64() * 1.5,
				tempOffset:     s.rng.NormFloat64() * 0.5,
			}
			s.sensors = append(s.sensors, st)
		}
	}
	if s.scenario != "none" && len(s.sensors) > 0 {
		s.victim = s.sensors[0].externalID
		s.logger.Printf("scenario %q will affect sensor %s", s.scenario, s.victim)
	}
}

func (s *simulator) registerFleet(ctx context.Context) error {
	for _, st := range s.sensors {
		body := map[string]any{
			"externalId": st.externalID,
			"zone":       st.zone,
			"type":       "capacitive-probe",
		}
		status, err := s.post(ctx, "/api/sensors", body)
		if err != nil {
			return err
		}
		switch status {
		case http.StatusCreated:
			s.logger.Printf("registered sensor %s (zone %s)", st.externalID, st.zone)
		case http.StatusConflict:
			// Already registered from a previous run.
		default:
			return fmt.Errorf("registering %s: unexpected status %d", st.externalID, status)
		}
	}
	return nil
}

func (s *simulator) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	round := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Println("simulator stopped")
			return
		case <-ticker.C:
			round++
			s.sendRound(ctx, round)
		}
	}
}

func (s *simulator) sendRound(ctx context.Context, round int) {
	// Shared field conditions evolve together: a gentle diurnal cycle
	// plus a shared weather walk.
	phase := float64(round) / 40.0
	airTemp := 18 + 6*math.Sin(phase) + s.rng.NormFloat64()*0.3
	raining := false
	irrigating := false

	for _, st := range s.sensors {
		// The true field wanders slowly; zone peers stay correlated
		// because they share the same walk direction.
		st.moisture = clamp(st.moisture+s.rng.NormFloat64()*0.8-0.05, 10, 80)
		st.temp = clamp(st.temp+(airTemp-2-st.temp)*0.05+s.rng.NormFloat64()*0.2, 5, 40)
		st.ec = clamp(st.ec+s.rng.NormFloat64()*0.02, 0.3, 4)
		st.ph = clamp(st.ph+s.rng.NormFloat64()*0.01, 5, 8.5)

		p := payload{
			Timestamp:        time.Now().UTC(),
			Moisture:         ptr(st.moisture + st.moistureOffset),
			Temperature:      ptr(st.temp + st.tempOffset),
			EC:               ptr(st.ec),
			PH:               ptr(st.ph),
			AirTemp:          ptr(airTemp),
			IsRaining:        &raining,
			IrrigationActive: &irrigating,
		}

		if st.externalID == s.victim && round > 10 {
			s.applyScenario(st, &p)
		}

		body := map[string]any{"externalId": st.externalID, "payload": p}
		status, err := s.post(ctx, "/api/readings", body)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("send failed for %s: %v", st.externalID, err)
			continue
		}
		if status != http.StatusAccepted {
			s.logger.Printf("reading for %s rejected with status %d", st.externalID, status)
		}
	}
}

// applyScenario corrupts the victim's payload after a warm-up period so
// the sensor has history before the fault appears.
func (s *simulator) applyScenario(st *sensorState, p *payload) {
	switch s.scenario {
	case "spike":
		p.Moisture = ptr(92.0)
		p.EC = ptr(*p.EC * 1.8)
		p.PH = ptr(*p.PH + 2.0)
	case "static":
		// A stuck probe reports the same values forever.
		p.Moisture = ptr(42.0)
		p.Temperature = ptr(19.5)
		p.EC = ptr(1.2)
		p.PH = ptr(6.8)
	case "drift":
		st.driftBias += 0.6
		p.Moisture = ptr(clamp(*p.Moisture+st.driftBias, 0, 100))
	case "impossible":
		p.Moisture = ptr(120.0)
	case "field-event":
		// Every sensor in the victim's zone jumps together; handled here
		// for the victim and below for its peers.
		p.Moisture = ptr(clamp(*p.Moisture+30, 0, 100))
		for _, peer := range s.sensors {
			if peer.zone == st.zone && peer.externalID != st.externalID {
				peer.moisture = clamp(peer.moisture+30, 10, 95)
			}
		}
		// One burst is enough; further rounds continue from the new level.
		s.victim = ""
	}
}

func (s *simulator) post(ctx context.Context, path string, body any) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func ptr(v float64) *float64 { return &v }
