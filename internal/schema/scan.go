package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScanStatus is the state of a dynamic scan
type ScanStatus string

const (
	StatusNotRun    ScanStatus = "NOT_RUN"
	StatusStarting  ScanStatus = "STARTING"
	StatusSpidering ScanStatus = "SPIDERING"
	StatusScanning  ScanStatus = "SCANNING"
	StatusComplete  ScanStatus = "COMPLETE"
	StatusFailed    ScanStatus = "FAILED"
	StatusError     ScanStatus = "ERROR"
	StatusStopped   ScanStatus = "STOPPED"
)

// Terminal reports whether no further transitions are allowed from s
func (s ScanStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusError, StatusStopped:
		return true
	}
	return false
}

// Active reports whether s is one of the in-flight phases
func (s ScanStatus) Active() bool {
	switch s {
	case StatusStarting, StatusSpidering, StatusScanning:
		return true
	}
	return false
}

// TargetRef identifies one generated application
type TargetRef struct {
	Model string `json:"model"`
	App   int    `json:"app"`
}

func (t TargetRef) String() string {
	return fmt.Sprintf("%s/app%d", t.Model, t.App)
}

// ParseTargetRef parses the "model/appN" form produced by String.
func ParseTargetRef(s string) (TargetRef, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return TargetRef{}, fmt.Errorf("invalid target %q", s)
	}
	num, err := strconv.Atoi(strings.TrimPrefix(s[i+1:], "app"))
	if err != nil || num <= 0 {
		return TargetRef{}, fmt.Errorf("invalid app number in target %q", s)
	}
	return TargetRef{Model: s[:i], App: num}, nil
}

// ScanRecord is the pollable state of one dynamic scan
type ScanRecord struct {
	ScanID          string     `json:"scan_id"`
	Target          TargetRef  `json:"target"`
	Status          ScanStatus `json:"status"`
	SpiderProgress  int        `json:"spider_progress"`
	AjaxProgress    int        `json:"ajax_progress"`
	PassiveProgress int        `json:"passive_progress"`
	ActiveProgress  int        `json:"active_progress"`
	Counts          RiskCounts `json:"counts"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationSeconds float64    `json:"duration_seconds"`
	Error           *string    `json:"error"`
}

// ScanUpdate carries the fields to merge into a ScanRecord; nil fields are left alone
type ScanUpdate struct {
	Status          *ScanStatus
	SpiderProgress  *int
	AjaxProgress    *int
	PassiveProgress *int
	ActiveProgress  *int
	Counts          *RiskCounts
	EndTime         *time.Time
	Error           *string
}

// WithStatus returns an update that only sets the status
func WithStatus(s ScanStatus) ScanUpdate {
	return ScanUpdate{Status: &s}
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
