// Package quota compares accumulated resource usage against disk and CPU
// quotas. Usage sums are costly, so they are cached for a short while and
// concurrent refreshes are collapsed into one.
package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/cbrain/controlplane/internal/db"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/observability"
)

const (
	DefaultTTL = 10 * time.Minute
	// Almost is the share of a limit at which usage is "almost exceeded".
	Almost = 0.95
)

// CPU windows, in check order.
const (
	WindowWeek  = "week"
	WindowMonth = "month"
	WindowEver  = "ever"
)

// Disk dimensions reported by DiskExceeded.
const (
	ExceededBytes         = "bytes"
	ExceededFiles         = "files"
	ExceededBytesAndFiles = "bytes_and_files"
)

type UsageSource interface {
	CPUUsage(ctx context.Context, since time.Time) (map[db.UserResourceKey]int64, error)
	DiskUsage(ctx context.Context) (bytes, files map[db.UserProviderKey]int64, err error)
	CpuQuotas(ctx context.Context) ([]models.CpuQuota, error)
	DiskQuotas(ctx context.Context) ([]models.DiskQuota, error)
	GroupMemberships(ctx context.Context) (map[int64][]int64, error)
}

type CPUViolation struct {
	UserID           int64  `json:"user_id"`
	RemoteResourceID int64  `json:"remote_resource_id"`
	QuotaID          int64  `json:"quota_id"`
	Window           string `json:"window"`
	Used             int64  `json:"used"`
	Limit            int64  `json:"limit"`
}

type DiskViolation struct {
	UserID         int64  `json:"user_id"`
	DataProviderID int64  `json:"data_provider_id"`
	QuotaID        int64  `json:"quota_id"`
	Exceeded       string `json:"exceeded"`
	Bytes          int64  `json:"bytes"`
	MaxBytes       int64  `json:"max_bytes"`
	Files          int64  `json:"files"`
	MaxFiles       int64  `json:"max_files"`
}

type snapshot struct {
	cpu         map[string]map[db.UserResourceKey]int64
	bytes       map[db.UserProviderKey]int64
	files       map[db.UserProviderKey]int64
	cpuQuotas   []models.CpuQuota
	diskQuotas  []models.DiskQuota
	memberships map[int64][]int64
	takenAt     time.Time
}

type Aggregator struct {
	src UsageSource
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	snap  *snapshot
	group singleflight.Group
}

func NewAggregator(src UsageSource, ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Aggregator{src: src, ttl: ttl, now: time.Now}
}

// Invalidate drops the cached sums, for instance after a quota was edited.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.snap = nil
	a.mu.Unlock()
}

func (a *Aggregator) snapshot(ctx context.Context) (*snapshot, error) {
	a.mu.Lock()
	s := a.snap
	a.mu.Unlock()
	if s != nil && a.now().Sub(s.takenAt) < a.ttl {
		return s, nil
	}

	v, err, _ := a.group.Do("usage", func() (any, error) {
		return a.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	s = v.(*snapshot)
	a.mu.Lock()
	a.snap = s
	a.mu.Unlock()
	return s, nil
}

func (a *Aggregator) load(ctx context.Context) (*snapshot, error) {
	now := a.now()
	s := &snapshot{cpu: map[string]map[db.UserResourceKey]int64{}, takenAt: now}
	windows := map[string]time.Time{
		WindowWeek:  now.AddDate(0, 0, -7),
		WindowMonth: now.AddDate(0, -1, 0),
		WindowEver:  {},
	}
	for w, since := range windows {
		sums, err := a.src.CPUUsage(ctx, since)
		if err != nil {
			return nil, err
		}
		s.cpu[w] = sums
	}
	var err error
	if s.bytes, s.files, err = a.src.DiskUsage(ctx); err != nil {
		return nil, err
	}
	if s.cpuQuotas, err = a.src.CpuQuotas(ctx); err != nil {
		return nil, err
	}
	if s.diskQuotas, err = a.src.DiskQuotas(ctx); err != nil {
		return nil, err
	}
	if s.memberships, err = a.src.GroupMemberships(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// governingCPU returns the quotas that apply to user on resource, taken from
// the most specific level that has any:
//
//	user+resource, user alone, group+resource, resource alone, group alone.
func (s *snapshot) governingCPU(userID, resourceID int64) []models.CpuQuota {
	groups := s.memberships[userID]
	inGroups := func(q models.CpuQuota) bool { return slices.Contains(groups, q.GroupID) }
	levels := []func(q models.CpuQuota) bool{
		func(q models.CpuQuota) bool { return q.UserID == userID && q.RemoteResourceID == resourceID },
		func(q models.CpuQuota) bool { return q.UserID == userID && q.RemoteResourceID == 0 },
		func(q models.CpuQuota) bool { return q.UserID == 0 && q.RemoteResourceID == resourceID && inGroups(q) },
		func(q models.CpuQuota) bool { return q.UserID == 0 && q.RemoteResourceID == resourceID && q.GroupID == 0 },
		func(q models.CpuQuota) bool { return q.UserID == 0 && q.RemoteResourceID == 0 && inGroups(q) },
	}
	for _, match := range levels {
		var found []models.CpuQuota
		for _, q := range s.cpuQuotas {
			if match(q) {
				found = append(found, q)
			}
		}
		if len(found) > 0 {
			return found
		}
	}
	return nil
}

// checkCPU returns the first window in which usage reaches mult times the
// limit, or "".
func (s *snapshot) checkCPU(q models.CpuQuota, key db.UserResourceKey, mult float64) (string, int64, int64) {
	for _, w := range []struct {
		name  string
		limit int64
	}{
		{WindowWeek, q.MaxCPUPastWeek},
		{WindowMonth, q.MaxCPUPastMonth},
		{WindowEver, q.MaxCPUEver},
	} {
		used := s.cpu[w.name][key]
		if float64(used) >= float64(w.limit)*mult {
			return w.name, used, w.limit
		}
	}
	return "", 0, 0
}

func (s *snapshot) cpuExceeded(userID, resourceID int64, mult float64) (*CPUViolation, bool) {
	key := db.UserResourceKey{UserID: userID, RemoteResourceID: resourceID}
	for _, q := range s.governingCPU(userID, resourceID) {
		if w, used, limit := s.checkCPU(q, key, mult); w != "" {
			return &CPUViolation{UserID: userID, RemoteResourceID: resourceID, QuotaID: q.ID, Window: w, Used: used, Limit: limit}, true
		}
	}
	return nil, false
}

// CPUExceeded reports the first exhausted window ("week", "month" or "ever")
// for user on resource, or "" when the user may still compute there.
func (a *Aggregator) CPUExceeded(ctx context.Context, userID, resourceID int64) (string, error) {
	if userID == 0 || resourceID == 0 {
		return "", nil
	}
	s, err := a.snapshot(ctx)
	if err != nil {
		return "", err
	}
	if v, ok := s.cpuExceeded(userID, resourceID, 1); ok {
		return v.Window, nil
	}
	return "", nil
}

// CPUReport lists every (user, resource) pair with usage whose governing
// quota is exceeded, or almost exceeded when almost is set.
func (a *Aggregator) CPUReport(ctx context.Context, almost bool) ([]CPUViolation, error) {
	start := time.Now()
	defer func() { observability.QuotaReportSeconds.WithLabelValues("cpu").Observe(time.Since(start).Seconds()) }()

	s, err := a.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	mult := 1.0
	if almost {
		mult = Almost
	}
	var out []CPUViolation
	for key := range s.cpu[WindowEver] {
		if key.UserID == 0 || key.RemoteResourceID == 0 {
			continue
		}
		if v, ok := s.cpuExceeded(key.UserID, key.RemoteResourceID, mult); ok {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].RemoteResourceID < out[j].RemoteResourceID
	})
	return out, nil
}

func diskDimension(bytes, files int64, q models.DiskQuota, mult float64, strict bool) string {
	over := func(used, limit int64) bool {
		if strict {
			return float64(used) > float64(limit)*mult
		}
		return used > 0 && float64(used) >= float64(limit)*mult
	}
	b, f := over(bytes, q.MaxBytes), over(files, q.MaxFiles)
	switch {
	case b && f:
		return ExceededBytesAndFiles
	case b:
		return ExceededBytes
	case f:
		return ExceededFiles
	}
	return ""
}

func (s *snapshot) diskQuotaFor(userID, dpID int64) (models.DiskQuota, bool) {
	var wildcard *models.DiskQuota
	for i, q := range s.diskQuotas {
		if q.DataProviderID != dpID {
			continue
		}
		if q.UserID == userID {
			return q, true
		}
		if q.UserID == 0 {
			wildcard = &s.diskQuotas[i]
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return models.DiskQuota{}, false
}

// DiskExceeded reports whether user is over the quota governing dpID: its own
// record when it has one, the provider-wide one otherwise.
func (a *Aggregator) DiskExceeded(ctx context.Context, userID, dpID int64) (string, error) {
	if userID == 0 {
		return "", nil
	}
	s, err := a.snapshot(ctx)
	if err != nil {
		return "", err
	}
	q, ok := s.diskQuotaFor(userID, dpID)
	if !ok {
		return "", nil
	}
	key := db.UserProviderKey{UserID: userID, DataProviderID: dpID}
	return diskDimension(s.bytes[key], s.files[key], q, 1, true), nil
}

// DiskReport lists users over their disk quotas. Provider-wide quotas skip
// users that have their own record for the same provider.
func (a *Aggregator) DiskReport(ctx context.Context, almost bool) ([]DiskViolation, error) {
	start := time.Now()
	defer func() { observability.QuotaReportSeconds.WithLabelValues("disk").Observe(time.Since(start).Seconds()) }()

	s, err := a.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	mult := 1.0
	if almost {
		mult = Almost
	}

	own := map[db.UserProviderKey]bool{}
	for _, q := range s.diskQuotas {
		if q.UserID != 0 {
			own[db.UserProviderKey{UserID: q.UserID, DataProviderID: q.DataProviderID}] = true
		}
	}

	var out []DiskViolation
	check := func(q models.DiskQuota, key db.UserProviderKey) {
		bytes, files := s.bytes[key], s.files[key]
		if what := diskDimension(bytes, files, q, mult, false); what != "" {
			out = append(out, DiskViolation{
				UserID: key.UserID, DataProviderID: key.DataProviderID, QuotaID: q.ID, Exceeded: what,
				Bytes: bytes, MaxBytes: q.MaxBytes, Files: files, MaxFiles: q.MaxFiles,
			})
		}
	}
	for _, q := range s.diskQuotas {
		if q.UserID != 0 {
			check(q, db.UserProviderKey{UserID: q.UserID, DataProviderID: q.DataProviderID})
			continue
		}
		for _, key := range usageKeys(s, q.DataProviderID) {
			if key.UserID != 0 && !own[key] {
				check(q, key)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DataProviderID < out[j].DataProviderID
	})
	return out, nil
}

func usageKeys(s *snapshot, dpID int64) []db.UserProviderKey {
	seen := map[db.UserProviderKey]bool{}
	var keys []db.UserProviderKey
	for _, m := range []map[db.UserProviderKey]int64{s.bytes, s.files} {
		for k := range m {
			if k.DataProviderID == dpID && !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateCPUQuota checks limits and scope: user and group exclude each
// other, and at least one of user, group or resource must be set.
func ValidateCPUQuota(q *models.CpuQuota) error {
	var errs []error
	if err := validate.Struct(q); err != nil {
		errs = append(errs, err)
	}
	if q.UserID != 0 && q.GroupID != 0 {
		errs = append(errs, errors.New("a quota applies to a user or to a group, not both"))
	}
	if q.UserID == 0 && q.GroupID == 0 && q.RemoteResourceID == 0 {
		errs = append(errs, errors.New("a quota needs a user, a group or a remote resource"))
	}
	return errors.Join(errs...)
}

func ValidateDiskQuota(q *models.DiskQuota) error {
	if err := validate.Struct(q); err != nil {
		return fmt.Errorf("invalid disk quota: %w", err)
	}
	return nil
}
