// Package storage persists call records and usage counters
package storage

import "time"

// CallRecord is one provider call outcome kept for reporting
type CallRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RequestID string    `gorm:"index;size:64" json:"request_id"`
	Provider  string    `gorm:"index;size:64" json:"provider"`
	Success   bool      `json:"success"`
	ErrorCode string    `gorm:"size:32" json:"error_code,omitempty"`
	Error     string    `gorm:"size:1024" json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// EnsembleRecord is one aggregated dispatch kept for reporting
type EnsembleRecord struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RequestID        string    `gorm:"uniqueIndex;size:64" json:"request_id"`
	ConsensusReached bool      `json:"consensus_reached"`
	AgreementScore   float64   `json:"agreement_score"`
	Degraded         bool      `json:"degraded"`
	ProviderCount    int       `json:"provider_count"`
	SuccessCount     int       `json:"success_count"`
	TotalLatencyMs   int64     `json:"total_latency_ms"`
	TotalCost        float64   `json:"total_cost"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}
