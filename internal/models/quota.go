package models

// DiskQuota caps bytes and file count per (user, data provider).
// UserID 0 makes it the default for every user of the data provider.
type DiskQuota struct {
	ID             int64 `json:"id"`
	UserID         int64 `json:"user_id"`
	DataProviderID int64 `json:"data_provider_id" validate:"gt=0"`
	MaxBytes       int64 `json:"max_bytes" validate:"gte=0"`
	MaxFiles       int64 `json:"max_files" validate:"gte=0"`
}

// CpuQuota caps CPU seconds over three windows. A zero UserID/GroupID/
// RemoteResourceID is a wildcard; user and group are mutually exclusive.
type CpuQuota struct {
	ID               int64 `json:"id"`
	UserID           int64 `json:"user_id"`
	GroupID          int64 `json:"group_id"`
	RemoteResourceID int64 `json:"remote_resource_id"`
	MaxCPUPastWeek   int64 `json:"max_cpu_past_week" validate:"gte=0"`
	MaxCPUPastMonth  int64 `json:"max_cpu_past_month" validate:"gte=0,gtefield=MaxCPUPastWeek"`
	MaxCPUEver       int64 `json:"max_cpu_ever" validate:"gte=0,gtefield=MaxCPUPastMonth"`
}

type UsageKind string

const (
	UsageCPUTime UsageKind = "cputime"
	UsageSpace   UsageKind = "space"
	UsageFiles   UsageKind = "files"
)
