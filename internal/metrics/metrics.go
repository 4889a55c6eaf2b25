package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_ws_connections",
		Help: "Current number of live websocket connections",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_online_users",
		Help: "Current number of users holding at least one live connection",
	})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_messages_total",
		Help: "Messages handled by the delivery pipeline, by resulting state",
	}, []string{"state"})
	TypingBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_typing_broadcasts_total",
		Help: "Typing indicator broadcasts, by kind (start, stop, expired)",
	}, []string{"kind"})
	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_dropped_frames_total",
		Help: "Frames dropped because a connection's send buffer was full",
	})
	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_relay_events_total",
		Help: "Cross-instance relay events, by direction and kind",
	}, []string{"direction", "kind"})
)

func init() {
	prometheus.MustRegister(WsConnections, OnlineUsers, MessagesTotal, TypingBroadcasts, DroppedFrames, RelayEvents)
}
