package domain

import "time"

// SessionStats is the link quality observed by one peer session, fed from
// RTCP receiver reports.
type SessionStats struct {
	Timestamp       time.Time
	PacketLoss      float64 // 0-1
	Jitter          time.Duration
	PacketsReceived uint64
	Reports         int
}

type RoomMetrics struct {
	RoomID    RoomID
	Members   int
	Capacity  int
	Speaking  int
	Timestamp time.Time
}
