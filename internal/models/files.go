package models

import "time"

type DataProvider struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	RootPath string `json:"root_path"`
	Online   bool   `json:"online"`
	ReadOnly bool   `json:"read_only"`
}

type Userfile struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	UserID         int64  `json:"user_id"`
	DataProviderID int64  `json:"data_provider_id"`
	Size           int64  `json:"size"`
	NumFiles       int64  `json:"num_files"`
}

// SyncStatus tracks a locally cached copy of a userfile on a resource.
type SyncStatus struct {
	UserfileID       int64     `json:"userfile_id"`
	RemoteResourceID int64     `json:"remote_resource_id"`
	Status           string    `json:"status"`
	AccessedAt       time.Time `json:"accessed_at"`
}

type Task struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	BourreauID int64  `json:"bourreau_id"`
	Status     string `json:"status"`
	Workdir    string `json:"workdir,omitempty"`
	ArchiveID  *int64 `json:"workdir_archive_userfile_id,omitempty"`
	Params     string `json:"params,omitempty"`
}

// CustomFilter selects userfiles or tasks by simple criteria.
type CustomFilter struct {
	ID             int64  `json:"id"`
	UserID         int64  `json:"user_id"`
	Target         string `json:"target"` // "userfile" or "task"
	NameLike       string `json:"name_like,omitempty"`
	DataProviderID int64  `json:"data_provider_id,omitempty"`
	BourreauID     int64  `json:"bourreau_id,omitempty"`
	Status         string `json:"status,omitempty"`
}
