package models

import (
	"strings"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusApproved   JobStatus = "approved"
	StatusProcessing JobStatus = "processing"
	StatusActive     JobStatus = "active"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

var statusRank = map[JobStatus]int{
	StatusPending:    0,
	StatusApproved:   1,
	StatusProcessing: 2,
	StatusActive:     3,
	StatusCompleted:  4,
}

// ParseJobStatus accepts any casing of the wire value.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if st == StatusError {
		return st, true
	}
	_, ok := statusRank[st]
	return st, ok
}

// Rank orders the forward-only statuses. Error has no rank and reports -1.
func (s JobStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether a job in this status no longer counts as in-progress.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Reached reports whether s is at or past target on the forward path.
func (s JobStatus) Reached(target JobStatus) bool {
	if s == StatusError || target == StatusError {
		return s == target
	}
	return s.Rank() >= target.Rank()
}

// JobType names a workflow step.
type JobType string

const (
	JobTypeEndorser  JobType = "endorser"
	JobTypePublicDID JobType = "public_did"
	JobTypeIssuer    JobType = "issuer"
)

// Job is one workflow step instance for one wallet.
type Job struct {
	JobID     string         `json:"job_id"`
	WalletID  string         `json:"wallet_id"`
	Type      JobType        `json:"job_type"`
	Status    JobStatus      `json:"status"`
	State     string         `json:"state"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// JobAudit is a transition audit row.
type JobAudit struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
