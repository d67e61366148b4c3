package pushmetrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// KPIs is the business snapshot pushed on every tick.
type KPIs struct {
	registry *prometheus.Registry

	activeSubscriptions *prometheus.GaugeVec
	ordersTotal         prometheus.Gauge
	spiralsAwarded      prometheus.Gauge
	spiralsRedeemed     prometheus.Gauge
}

func NewKPIs(registry *prometheus.Registry, service, environment string) *KPIs {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"service": service, "env": environment}

	k := &KPIs{
		registry: registry,
		activeSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "spiral_kpi_active_subscriptions",
			Help:        "Active subscriptions by delivery frequency.",
			ConstLabels: labels,
		}, []string{"frequency"}),
		ordersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "spiral_kpi_orders",
			Help:        "Orders materialized from subscriptions.",
			ConstLabels: labels,
		}),
		spiralsAwarded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "spiral_kpi_spirals_awarded",
			Help:        "SPIRAL points credited across all shoppers.",
			ConstLabels: labels,
		}),
		spiralsRedeemed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "spiral_kpi_spirals_redeemed",
			Help:        "SPIRAL points debited across all shoppers.",
			ConstLabels: labels,
		}),
	}
	registry.MustRegister(k.activeSubscriptions, k.ordersTotal, k.spiralsAwarded, k.spiralsRedeemed)
	return k
}

func (k *KPIs) Registry() *prometheus.Registry {
	if k == nil {
		return nil
	}
	return k.registry
}

type frequencyCount struct {
	Frequency string
	Total     int64
}

// Refresh reloads every gauge from the database.
func (k *KPIs) Refresh(ctx context.Context, db *gorm.DB) error {
	if k == nil {
		return nil
	}
	if db == nil {
		return errors.New("kpi refresh requires a database")
	}
	conn := db.WithContext(ctx)

	var counts []frequencyCount
	if err := conn.Raw(
		`SELECT frequency, COUNT(*) AS total FROM subscriptions WHERE status = ? GROUP BY frequency`,
		"active",
	).Scan(&counts).Error; err != nil {
		return err
	}
	k.activeSubscriptions.Reset()
	for _, frequency := range []string{"weekly", "biweekly", "monthly", "quarterly"} {
		k.activeSubscriptions.WithLabelValues(frequency).Set(0)
	}
	for _, row := range counts {
		k.activeSubscriptions.WithLabelValues(row.Frequency).Set(float64(row.Total))
	}

	var orders int64
	if err := conn.Raw(`SELECT COUNT(*) FROM orders`).Scan(&orders).Error; err != nil {
		return err
	}
	k.ordersTotal.Set(float64(orders))

	var awarded, redeemed int64
	if err := conn.Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM spiral_transactions WHERE type = ?`, "earned",
	).Scan(&awarded).Error; err != nil {
		return err
	}
	if err := conn.Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM spiral_transactions WHERE type = ?`, "spent",
	).Scan(&redeemed).Error; err != nil {
		return err
	}
	k.spiralsAwarded.Set(float64(awarded))
	k.spiralsRedeemed.Set(float64(redeemed))
	return nil
}
