package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// latencySummary хранит миллисекунды.
type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// summarize считает перцентили методом nearest-rank.
func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := slices.Sorted(slices.Values(samples))

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	rank := func(p int) float64 {
		// ceil(p*n/100) в целых числах, без float-погрешности на границах.
		n := (p*len(sorted) + 99) / 100
		return millis(sorted[min(max(n, 1), len(sorted))-1])
	}
	return latencySummary{
		Min: millis(sorted[0]),
		Max: millis(sorted[len(sorted)-1]),
		Avg: millis(total / time.Duration(len(sorted))),
		P50: rank(50),
		P95: rank(95),
		P99: rank(99),
	}
}

func errorRate(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type timings struct {
	calls, failed int64
	codes         map[string]int64
	samples       []time.Duration
}

// collector копит замеры по имени HTTP-метода; сценарии целиком идут под scenarioKey.
type collector struct {
	mu     sync.Mutex
	byName map[string]*timings
}

func newCollector() *collector {
	return &collector{byName: make(map[string]*timings)}
}

// record учитывает замер; code — HTTP статус, codeTransport или исход сценария.
func (c *collector) record(name string, latency time.Duration, code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, found := c.byName[name]
	if !found {
		t = &timings{codes: make(map[string]int64)}
		c.byName[name] = t
	}
	t.calls++
	if !ok {
		t.failed++
	}
	t.codes[code]++
	t.samples = append(t.samples, latency)
}

func (c *collector) report(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(c.byName)),
	}
	for name, t := range c.byName {
		r.Methods[name] = methodReport{
			Calls:     t.calls,
			Success:   t.calls - t.failed,
			Failed:    t.failed,
			ErrorRate: errorRate(t.failed, t.calls),
			Codes:     maps.Clone(t.codes),
			LatencyMs: summarize(t.samples),
		}
	}

	if sc, ok := r.Methods[scenarioKey]; ok {
		r.TotalScenarios, r.SuccessScenarios, r.FailedScenarios = sc.Calls, sc.Success, sc.Failed
		r.ErrorRate = sc.ErrorRate
		r.ScenarioLatencyMs = sc.LatencyMs
	}
	if elapsed > 0 {
		r.RPS = float64(r.TotalScenarios) / elapsed.Seconds()
	}
	return r
}

func formatCodes(codes map[string]int64) string {
	parts := make([]string, 0, len(codes))
	for _, code := range slices.Sorted(maps.Keys(codes)) {
		parts = append(parts, fmt.Sprintf("%s:%d", code, codes[code]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

// print выводит сводку по сценариям и таблицу по методам в алфавитном порядке.
func (r report) print(out io.Writer, cfg config) {
	lat := r.ScenarioLatencyMs
	_, _ = fmt.Fprintf(out, "Load test summary\nmode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, cfg.target(), r.TotalScenarios, r.SuccessScenarios, r.FailedScenarios, r.ErrorRate)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", r.DurationSeconds, r.RPS)
	_, _ = fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\nMETHOD\tCALLS\tFAILED\tERROR_RATE\tP50_MS\tP95_MS\tP99_MS\tCODES")
	for _, name := range slices.Sorted(maps.Keys(r.Methods)) {
		if name == scenarioKey {
			continue
		}
		m := r.Methods[name]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%.2f\t%.2f\t%.2f\t%s\n",
			name, m.Calls, m.Failed, m.ErrorRate, m.LatencyMs.P50, m.LatencyMs.P95, m.LatencyMs.P99, formatCodes(m.Codes))
	}
	_ = tw.Flush()
}

// writeJSONReport атомарно заменяет файл отчёта: пишет во временный файл рядом и переименовывает.
// Относительный путь не может выходить за текущий каталог.
func writeJSONReport(path string, r report) (err error) {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case !filepath.IsAbs(clean) && !filepath.IsLocal(clean):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(clean), ".loadtest-*.json")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err = enc.Encode(r); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), clean)
}
