package payments

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/driver"
	"github.com/posfleet/terminald/internal/fleet"
	"github.com/posfleet/terminald/internal/models"
	"github.com/posfleet/terminald/internal/telemetry"
)

// captureSink records enqueued payment records.
type captureSink struct {
	mu   sync.Mutex
	recs []models.PaymentRecord
}

func (s *captureSink) Enqueue(ctx context.Context, rec models.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *captureSink) records() []models.PaymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PaymentRecord(nil), s.recs...)
}

func newTestPipeline(t *testing.T, terminals map[string]map[string]string) (*Pipeline, *fleet.Registry, *captureSink) {
	t.Helper()
	catalog := driver.NewCatalog()
	catalog.Register(driver.KindSim, driver.NewSimDiscovery)
	reg := fleet.NewRegistry(catalog, nil, zap.NewNop())
	for id, settings := range terminals {
		cfg := models.TerminalConfig{ID: id, Kind: driver.KindSim, Settings: settings, Enabled: true}
		if err := reg.RegisterTerminal(context.Background(), cfg); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	sink := &captureSink{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	return New(reg, sink, nil, metrics, zap.NewNop(), "org_test"), reg, sink
}

func terminalStatus(t *testing.T, reg *fleet.Registry, id string) (models.Status, int64, int64) {
	t.Helper()
	c := reg.Connection(id)
	if c == nil {
		t.Fatalf("no connection for %s", id)
	}
	status, tx, errs, _ := c.Snapshot()
	return status, tx, errs
}

func TestProcessSuccess(t *testing.T) {
	pipe, reg, sink := newTestPipeline(t, map[string]map[string]string{"T1": nil})

	res := pipe.Process(context.Background(), models.PaymentRequest{
		Amount:   2500,
		Currency: "USD",
		Metadata: map[string]string{"order": "42"},
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.TerminalID != "T1" || res.PaymentID == "" || res.Receipt == "" {
		t.Fatalf("incomplete result %+v", res)
	}

	status, tx, errs := terminalStatus(t, reg, "T1")
	if status != models.StatusConnected || tx != 1 || errs != 0 {
		t.Fatalf("unexpected terminal state after success: %s %d %d", status, tx, errs)
	}

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 sync record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.PaymentID != res.PaymentID || rec.TerminalID != "T1" {
		t.Fatalf("record mismatch: %+v", rec)
	}
	if rec.Currency != "usd" {
		t.Fatalf("currency not normalized: %q", rec.Currency)
	}
	if rec.PaymentMethod != "card_present" || rec.MaxRetries != 3 {
		t.Fatalf("record defaults wrong: %+v", rec)
	}
	if rec.Metadata["terminal_id"] != "T1" || rec.Metadata["order"] != "42" {
		t.Fatalf("metadata not enriched: %+v", rec.Metadata)
	}
}

func TestProcessTimeoutRestoresStatus(t *testing.T) {
	pipe, reg, sink := newTestPipeline(t, map[string]map[string]string{
		"T1": {"collect_delay_ms": "500"},
	})

	started := time.Now()
	res := pipe.Process(context.Background(), models.PaymentRequest{
		Amount:    2500,
		Currency:  "usd",
		TimeoutMS: 100,
	})
	elapsed := time.Since(started)

	if res.Success || res.Error != fleet.CodeTimeout || res.TerminalID != "T1" {
		t.Fatalf("expected timeout on T1, got %+v", res)
	}
	if elapsed > 250*time.Millisecond {
		t.Fatalf("timeout not honored: took %s", elapsed)
	}
	status, _, errs := terminalStatus(t, reg, "T1")
	if status != models.StatusConnected {
		t.Fatalf("connection left %s after timeout", status)
	}
	if errs != 1 {
		t.Fatalf("expected exactly one error, got %d", errs)
	}
	if len(sink.records()) != 0 {
		t.Fatal("failed payment must not reach the sync sink")
	}
}

func TestProcessDeclineRestoresStatus(t *testing.T) {
	pipe, reg, _ := newTestPipeline(t, map[string]map[string]string{
		"T1": {"fail_collect": "true"},
	})

	res := pipe.Process(context.Background(), models.PaymentRequest{Amount: 100, Currency: "usd"})
	if res.Success || res.Error != fleet.CodeProcessorError {
		t.Fatalf("expected processor_error, got %+v", res)
	}
	status, _, errs := terminalStatus(t, reg, "T1")
	if status != models.StatusConnected || errs != 1 {
		t.Fatalf("unexpected state after decline: %s %d", status, errs)
	}
}

func TestProcessNoAvailableTerminals(t *testing.T) {
	pipe, _, _ := newTestPipeline(t, nil)
	res := pipe.Process(context.Background(), models.PaymentRequest{Amount: 100, Currency: "usd"})
	if res.Success || res.Error != fleet.CodeNoAvailableTerminals {
		t.Fatalf("expected no_available_terminals, got %+v", res)
	}
	if res.TerminalID != "" {
		t.Fatalf("no terminal was attempted, got %q", res.TerminalID)
	}
}

func TestProcessPreferredTerminal(t *testing.T) {
	pipe, _, _ := newTestPipeline(t, map[string]map[string]string{"T1": nil, "T2": nil})
	res := pipe.Process(context.Background(), models.PaymentRequest{
		Amount:              100,
		Currency:            "usd",
		PreferredTerminalID: "T2",
	})
	if !res.Success || res.TerminalID != "T2" {
		t.Fatalf("preferred terminal ignored: %+v", res)
	}
}

func TestProcessNoDoubleBooking(t *testing.T) {
	pipe, _, _ := newTestPipeline(t, map[string]map[string]string{
		"T1": {"collect_delay_ms": "150"},
	})

	const callers = 4
	results := make([]models.PaymentResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = pipe.Process(context.Background(), models.PaymentRequest{
				Amount: 100, Currency: "usd", TimeoutMS: 1000,
			})
		}(i)
	}
	wg.Wait()

	succeeded, unavailable := 0, 0
	for _, res := range results {
		switch {
		case res.Success:
			succeeded++
		case res.Error == fleet.CodeNoAvailableTerminals:
			unavailable++
		default:
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if succeeded != 1 || unavailable != callers-1 {
		t.Fatalf("expected 1 success and %d unavailable, got %d/%d", callers-1, succeeded, unavailable)
	}
}

func TestCancelRequiresBusy(t *testing.T) {
	pipe, _, _ := newTestPipeline(t, map[string]map[string]string{"T1": nil})
	if pipe.Cancel(context.Background(), "T1") {
		t.Fatal("cancel must fail on an idle terminal")
	}
	if pipe.Cancel(context.Background(), "missing") {
		t.Fatal("cancel must fail on an unknown terminal")
	}
}

func TestCancelInFlight(t *testing.T) {
	pipe, reg, _ := newTestPipeline(t, map[string]map[string]string{
		"T1": {"collect_delay_ms": "300"},
	})

	done := make(chan models.PaymentResult, 1)
	go func() {
		done <- pipe.Process(context.Background(), models.PaymentRequest{
			Amount: 100, Currency: "usd", TimeoutMS: 2000,
		})
	}()

	// wait for the payment to claim the terminal
	deadline := time.After(time.Second)
	for reg.Connection("T1").Status() != models.StatusBusy {
		select {
		case <-deadline:
			t.Fatal("terminal never became busy")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !pipe.Cancel(context.Background(), "T1") {
		t.Fatal("cancel failed on a busy terminal")
	}
	res := <-done
	if res.Success {
		t.Fatal("cancelled payment must not succeed")
	}
	if res.Error != fleet.CodeCancelled {
		t.Fatalf("expected cancelled code, got %q", res.Error)
	}
	status, _, errs := terminalStatus(t, reg, "T1")
	if status != models.StatusConnected {
		t.Fatalf("terminal left %s after cancel", status)
	}
	if errs != 0 {
		t.Fatalf("cancellation must not count as a device fault, got %d errors", errs)
	}

	// the terminal is immediately usable again
	next := pipe.Process(context.Background(), models.PaymentRequest{
		Amount: 100, Currency: "usd", TimeoutMS: 2000,
	})
	if !next.Success || next.TerminalID != "T1" {
		t.Fatalf("terminal unusable after cancel: %+v", next)
	}
}

func TestTimeoutUnitIsMilliseconds(t *testing.T) {
	pipe, _, _ := newTestPipeline(t, map[string]map[string]string{
		"T1": {"collect_delay_ms": "500"},
	})

	var req models.PaymentRequest
	payload := `{"amount":100,"currency":"usd","timeout":100}`
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	started := time.Now()
	res := pipe.Process(context.Background(), req)
	elapsed := time.Since(started)
	if res.Success || res.Error != fleet.CodeTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	// timeout:100 means 100 milliseconds, not 100 nanoseconds
	if elapsed < 50*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Fatalf("unexpected timeout budget, took %s", elapsed)
	}
}
