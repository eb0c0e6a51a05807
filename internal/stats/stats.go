package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	NumActiveConnections = "NumActiveConnections"
	NumMessagesSent      = "NumMessagesSent"
	NumRoomsJoined       = "NumRoomsJoined"
	NumTelemetryEvents   = "NumTelemetryEvents"
	PresencePendingOps   = "PresencePendingOps"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	RegisterGaugeFunc(name string, fn func() int64)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	registry   *prometheus.Registry
	gaugesLock sync.RWMutex
	gauges     map[string]prometheus.Gauge
	updateChan chan *metricsUpdateReq
	done       chan struct{}
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater and registers its handlers
// for /debug/vars and /metrics on mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		registry:   prometheus.NewRegistry(),
		gauges:     make(map[string]prometheus.Gauge),
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "gochat",
		Name:      "uptime_seconds",
		Help:      "Seconds since the hub started.",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	defer close(su.done)

	for req := range su.updateChan {
		metric := su.vars.Get(req.name)
		if metric == nil {
			panic("metric not found: " + req.name)
		}

		metric.(*expvar.Int).Add(int64(req.value))

		su.gaugesLock.RLock()
		if g, ok := su.gauges[req.name]; ok {
			g.Add(float64(req.value))
		}
		su.gaugesLock.RUnlock()
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, expvar.NewInt(name))

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gochat",
		Name:      promName(name),
		Help:      name,
	})
	su.registry.MustRegister(g)

	su.gaugesLock.Lock()
	su.gauges[name] = g
	su.gaugesLock.Unlock()
}

// RegisterGaugeFunc exposes a value computed on every scrape.
func (su *StatsUpdater) RegisterGaugeFunc(name string, fn func() int64) {
	su.vars.Set(name, expvar.Func(func() any { return fn() }))
	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "gochat",
		Name:      promName(name),
		Help:      name,
	}, func() float64 { return float64(fn()) }))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop drains pending updates. Incr and Decr must not be called afterwards.
func (su *StatsUpdater) Stop() {
	close(su.updateChan)
	<-su.done
}

var camelBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

// promName converts NumActiveConnections to num_active_connections.
func promName(name string) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(name, "${1}_${2}"))
}
