// Package metrics объявляет метрики Prometheus бота. Метрики регистрируются
// в реестре по умолчанию и отдаются обработчиком promhttp на /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signal_bot"

var (
	// UpdatesTotal число входящих обновлений по виду события.
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_total",
		Help:      "Inbound Telegram updates by classified event kind.",
	}, []string{"kind"})

	// TransitionsTotal число переходов тарифа по итоговому тарифу и причине.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plan_transitions_total",
		Help:      "Subscriber plan transitions by resulting plan and trigger.",
	}, []string{"plan", "trigger"})

	// DeliveriesTotal результаты отправки сообщений рассылки.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_deliveries_total",
		Help:      "Broadcast deliveries by result.",
	}, []string{"result"})

	// BroadcastsTotal число завершенных рассылок по цели.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Completed broadcasts by target.",
	}, []string{"target"})

	// SweepRunsTotal запуски фоновой проверки по результату.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Expiration sweep runs by result.",
	}, []string{"result"})

	// ExpiryNotificationsTotal результаты уведомлений об окончании подписки.
	ExpiryNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "expiry_notifications_total",
		Help:      "Expiry notification attempts by result.",
	}, []string{"result"})

	// QueueDepth текущее число обновлений, ожидающих обработки.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatcher_queue_depth",
		Help:      "Updates waiting for the ordered dispatcher.",
	})
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)
