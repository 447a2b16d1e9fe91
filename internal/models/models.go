package models

import (
	"time"
)

type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	IsAdmin   bool   `json:"is_admin"`
	TokenHash string `json:"-"`
}

type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ResourceType string

const (
	ResourcePortal   ResourceType = "BrainPortal"
	ResourceBourreau ResourceType = "Bourreau"
)

// RemoteResource is a BrainPortal or Bourreau process known to the system.
// Online and TimeOfDeath together hold the liveness state; see resource.NextLiveness.
type RemoteResource struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Type        ResourceType `json:"type"`
	Online      bool         `json:"online"`
	TimeOfDeath *time.Time   `json:"time_of_death,omitempty"`
	AuthToken   string       `json:"-"`
	Timeout     int          `json:"rr_timeout"`
	CacheDir    string       `json:"cache_dir,omitempty"`

	SSHControlUser string `json:"ssh_control_user,omitempty"`
	SSHControlHost string `json:"ssh_control_host,omitempty"`
	SSHControlPort int    `json:"ssh_control_port,omitempty"`
	SSHControlDir  string `json:"ssh_control_dir,omitempty"`
	SSHControlCtl  string `json:"ssh_control_ctl,omitempty"`

	TunnelActresPort int    `json:"tunnel_actres_port,omitempty"`
	ActresHost       string `json:"actres_host,omitempty"`
	ActresPort       int    `json:"actres_port,omitempty"`
}

func (r *RemoteResource) IsBourreau() bool { return r.Type == ResourceBourreau }

// HasSSHControlInfo reports whether the resource can be reached over SSH at all.
func (r *RemoteResource) HasSSHControlInfo() bool {
	return r.SSHControlUser != "" && r.SSHControlHost != ""
}

// HasRemoteControlInfo reports whether the remote process can be started and stopped.
func (r *RemoteResource) HasRemoteControlInfo() bool {
	return r.HasSSHControlInfo() && r.SSHControlDir != ""
}

// Info is what a resource reports about itself on ping or info probes.
type Info struct {
	Name         string `json:"name"`
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	Hostname     string `json:"hostname"`
	PID          int    `json:"pid"`
	Uptime       int64  `json:"uptime"`
	Version      string `json:"version,omitempty"`
	NumWorkers   int    `json:"num_workers"`
	MemTotalMB   int    `json:"mem_total_mb,omitempty"`
	MemUsedMB    int    `json:"mem_used_mb,omitempty"`
	LoadAverage  string `json:"load_average,omitempty"`
	ActivityLoad int    `json:"activity_load,omitempty"`
}

type Event struct {
	ID          int64     `json:"id"`
	At          time.Time `json:"at"`
	Type        string    `json:"type"`
	ActivityID  *int64    `json:"activity_id,omitempty"`
	ResourceID  *int64    `json:"resource_id,omitempty"`
	PayloadJSON *string   `json:"payload_json,omitempty"`
}

type Severity string

const (
	SeverityNotice Severity = "notice"
	SeverityError  Severity = "error"
	SeveritySystem Severity = "system"
)

// Message is a notification persisted for a user.
type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Severity  Severity  `json:"severity"`
	Header    string    `json:"header"`
	Body      string    `json:"body"`
	Critical  bool      `json:"critical"`
	CreatedAt time.Time `json:"created_at"`
}
