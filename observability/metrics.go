package observability

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics
)

// ModuleMetrics returns the lazily-initialised metrics registry used to
// record HTTP module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultd",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultd",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultd",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// VaultMetrics exposes the headline accounting figures as gauges. Values are
// refreshed by the service layer after every settled operation.
type VaultMetrics struct {
	totalAssets   prometheus.Gauge
	totalIdle     prometheus.Gauge
	totalDebt     prometheus.Gauge
	totalSupply   prometheus.Gauge
	pricePerShare prometheus.Gauge
	reports       *prometheus.CounterVec
}

// Vault returns the lazily-initialised vault gauge registry.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			totalAssets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultd",
				Subsystem: "vault",
				Name:      "total_assets",
				Help:      "Assets under management, idle reserve plus strategy debt.",
			}),
			totalIdle: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultd",
				Subsystem: "vault",
				Name:      "total_idle",
				Help:      "Asset amount held directly by the vault.",
			}),
			totalDebt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultd",
				Subsystem: "vault",
				Name:      "total_debt",
				Help:      "Asset amount allocated across strategies.",
			}),
			totalSupply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultd",
				Subsystem: "vault",
				Name:      "effective_supply",
				Help:      "Share supply net of the unlocked profit buffer.",
			}),
			pricePerShare: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultd",
				Subsystem: "vault",
				Name:      "price_per_share",
				Help:      "Asset value of one whole share unit.",
			}),
			reports: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultd",
				Subsystem: "vault",
				Name:      "reports_total",
				Help:      "Settled strategy reports segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			vaultRegistry.totalAssets,
			vaultRegistry.totalIdle,
			vaultRegistry.totalDebt,
			vaultRegistry.totalSupply,
			vaultRegistry.pricePerShare,
			vaultRegistry.reports,
		)
	})
	return vaultRegistry
}

// Refresh updates the headline gauges. Nil values are treated as zero; big
// integers outside float range saturate rather than panic.
func (m *VaultMetrics) Refresh(totalAssets, totalIdle, totalDebt, effectiveSupply, pricePerShare *big.Int) {
	if m == nil {
		return
	}
	m.totalAssets.Set(bigFloat(totalAssets))
	m.totalIdle.Set(bigFloat(totalIdle))
	m.totalDebt.Set(bigFloat(totalDebt))
	m.totalSupply.Set(bigFloat(effectiveSupply))
	m.pricePerShare.Set(bigFloat(pricePerShare))
}

// RecordReport counts a settled report as a gain, loss or flat outcome.
func (m *VaultMetrics) RecordReport(gain, loss *big.Int) {
	if m == nil {
		return
	}
	outcome := "flat"
	switch {
	case gain != nil && gain.Sign() > 0:
		outcome = "gain"
	case loss != nil && loss.Sign() > 0:
		outcome = "loss"
	}
	m.reports.WithLabelValues(outcome).Inc()
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
