package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shopfleet_order_transitions_total", Help: "Order lifecycle actions by result"},
		[]string{"action", "result"},
	)
	StockRefusals = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "shopfleet_stock_refusals_total", Help: "Order creations refused for insufficient stock"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shopfleet_notifications_total", Help: "Notification deliveries by channel and result"},
		[]string{"channel", "result"},
	)
	SessionRemote = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shopfleet_session_remote_ops_total", Help: "Remote session store operations"},
		[]string{"op", "result"},
	)
	SessionQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "shopfleet_session_queue_dropped_total", Help: "Remote session writes dropped on a full queue"},
	)
	TenantEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shopfleet_tenant_events_total", Help: "Bot instance lifecycle events"},
		[]string{"event"},
	)
	BotUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shopfleet_bot_updates_total", Help: "Inbound Telegram updates by kind and outcome"},
		[]string{"kind", "outcome"},
	)
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shopfleet_api_requests_total", Help: "Admin API requests"},
		[]string{"route", "status"},
	)
	Revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shopfleet_revocations_total", Help: "Token revocation registry events"},
		[]string{"event"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		OrderTransitions,
		StockRefusals,
		Notifications,
		SessionRemote,
		SessionQueueDropped,
		TenantEvents,
		BotUpdates,
		APIRequests,
		Revocations,
	)
}
