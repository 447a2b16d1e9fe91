// Package command carries control messages between remote resources.
package command

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	CleanCache         = "clean_cache"
	CheckDataProviders = "check_data_providers"
	StartWorkers       = "start_workers"
	StopWorkers        = "stop_workers"
	WakeupWorkers      = "wakeup_workers"
)

const (
	StatusOK     = "OK"
	StatusFailed = "FAILED"
)

// RemoteCommand is both the request and, once the receiver filled in the
// execution fields, the reply.
type RemoteCommand struct {
	ID            string            `json:"id"`
	Command       string            `json:"command"`
	SenderToken   string            `json:"sender_token"`
	ReceiverToken string            `json:"receiver_token"`
	Payload       map[string]string `json:"payload,omitempty"`

	CommandExecutionStatus string            `json:"command_execution_status,omitempty"`
	ExceptionClass         string            `json:"exception_class,omitempty"`
	ExceptionMessage       string            `json:"exception_message,omitempty"`
	Backtrace              []string          `json:"backtrace,omitempty"`
	Result                 map[string]string `json:"result,omitempty"`
}

var idCounter atomic.Int64

// NextID returns "<counter>-<pid>-<unix time>", unique within and across processes
// in practice.
func NextID() string {
	return fmt.Sprintf("%d-%d-%d", idCounter.Add(1), os.Getpid(), time.Now().Unix())
}

func New(name string, payload map[string]string) *RemoteCommand {
	if payload == nil {
		payload = map[string]string{}
	}
	return &RemoteCommand{ID: NextID(), Command: name, Payload: payload}
}

func (c *RemoteCommand) Succeeded() bool { return c.CommandExecutionStatus == StatusOK }

func (c *RemoteCommand) String() string {
	return fmt.Sprintf("%s[%s]", c.Command, c.ID)
}

// IDs decodes a comma-separated id list from the payload.
func (c *RemoteCommand) IDs(key string) ([]int64, error) {
	return ParseIDs(c.Payload[key])
}

// Time decodes an RFC 3339 timestamp from the payload; empty means zero.
func (c *RemoteCommand) Time(key string) (time.Time, error) {
	v := c.Payload[key]
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("payload %s: %w", key, err)
	}
	return t, nil
}

func (c *RemoteCommand) Int(key string, def int) (int, error) {
	v := c.Payload[key]
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("payload %s: %w", key, err)
	}
	return n, nil
}

// NewCleanCache asks the receiver to erase cached files of some users, accessed
// before olderThan and after youngerThan. Zero times leave the bound open.
func NewCleanCache(userIDs []int64, olderThan, youngerThan time.Time) *RemoteCommand {
	p := map[string]string{"user_ids": JoinIDs(userIDs)}
	if !olderThan.IsZero() {
		p["before_date"] = olderThan.UTC().Format(time.RFC3339)
	}
	if !youngerThan.IsZero() {
		p["after_date"] = youngerThan.UTC().Format(time.RFC3339)
	}
	return New(CleanCache, p)
}

func NewCheckDataProviders(ids []int64) *RemoteCommand {
	return New(CheckDataProviders, map[string]string{"data_provider_ids": JoinIDs(ids)})
}

func NewStartWorkers() *RemoteCommand  { return New(StartWorkers, nil) }
func NewStopWorkers() *RemoteCommand   { return New(StopWorkers, nil) }
func NewWakeupWorkers() *RemoteCommand { return New(WakeupWorkers, nil) }

func JoinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func ParseIDs(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
