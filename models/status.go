package models

import (
	"trackergw/network"
	"trackergw/telemetry"
)

// GatewayStatus is the JSON snapshot served by the status endpoint.
type GatewayStatus struct {
	GatewayID     string         `json:"gateway_id"`
	GatewayName   string         `json:"gateway_name"`
	Version       string         `json:"version"`
	Channel       uint8          `json:"channel"`
	PairingMode   bool           `json:"pairing_mode"`
	OTAInProgress bool           `json:"ota_in_progress"`
	Subscribers   int            `json:"hostlink_subscribers"`
	Queue         QueueStatus    `json:"send_queue"`
	Telemetry     TelemetryStats `json:"telemetry"`
	Link          LinkStats      `json:"link"`
	Trackers      []Tracker      `json:"trackers"`
}

// QueueStatus mirrors the send queue counters.
type QueueStatus struct {
	Pending        int    `json:"pending"`
	Capacity       int    `json:"capacity"`
	Enqueued       uint64 `json:"enqueued"`
	Sent           uint64 `json:"sent"`
	Retried        uint64 `json:"retried"`
	DroppedFull    uint64 `json:"dropped_full"`
	DroppedInvalid uint64 `json:"dropped_invalid"`
	Failed         uint64 `json:"failed"`
	Cancelled      uint64 `json:"cancelled"`
}

// TelemetryStats mirrors the aggregator counters.
type TelemetryStats struct {
	Buffered     int    `json:"buffered"`
	Capacity     int    `json:"capacity"`
	Dropped      uint64 `json:"dropped"`
	Coalesced    uint64 `json:"coalesced"`
	FramesSent   uint64 `json:"frames_sent"`
	SendFailures uint64 `json:"send_failures"`
}

// LinkStats is the last one-second statistics window.
type LinkStats struct {
	Trackers     int     `json:"trackers"`
	LatencyAvgMS float64 `json:"latency_avg_ms"`
	LatencyMaxMS float64 `json:"latency_max_ms"`
	RSSIAvg      int     `json:"rssi_avg"`
	RSSIMax      int     `json:"rssi_max"`
	PPS          int     `json:"pps"`
	BPS          int     `json:"bps"`
}

// NewQueueStatus converts send queue counters.
func NewQueueStatus(s network.SendQueueStats) QueueStatus {
	return QueueStatus{
		Pending:        s.Pending,
		Capacity:       s.Capacity,
		Enqueued:       s.Enqueued,
		Sent:           s.Sent,
		Retried:        s.Retried,
		DroppedFull:    s.DroppedFull,
		DroppedInvalid: s.DroppedInvalid,
		Failed:         s.Failed,
		Cancelled:      s.Cancelled,
	}
}

// NewTelemetryStats converts aggregator counters.
func NewTelemetryStats(s telemetry.Stats) TelemetryStats {
	return TelemetryStats(s)
}

// NewLinkStats converts a statistics window.
func NewLinkStats(s network.Stats) LinkStats {
	return LinkStats{
		Trackers:     s.Trackers,
		LatencyAvgMS: s.LatencyAvg.Seconds() * 1000,
		LatencyMaxMS: s.LatencyMax.Seconds() * 1000,
		RSSIAvg:      s.RSSIAvg,
		RSSIMax:      s.RSSIMax,
		PPS:          s.PPS,
		BPS:          s.BPS,
	}
}
