package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/observability"
)

const (
	ProbePing = "ping"
	ProbeInfo = "info"

	TokenHeader = "X-Resource-Token"

	// tunnelBasePort + resource id is the local end of the SSH forward to a resource.
	tunnelBasePort = 3090
)

// InfoFunc reports the local process's own info for short-circuited probes.
type InfoFunc func(mode string) *models.Info

// Client is the sending side of the command channel.
type Client struct {
	HTTP    *http.Client
	Self    *models.RemoteResource
	Local   *Processor
	Info    InfoFunc
	Timeout time.Duration
}

// SiteURL returns the base URL of a resource's control endpoint. Resources
// reached through an SSH tunnel are addressed at the local end of the forward.
func SiteURL(rr *models.RemoteResource) (string, error) {
	switch {
	case rr.TunnelActresPort > 0:
		return fmt.Sprintf("http://127.0.0.1:%d", TunnelLocalPort(rr)), nil
	case rr.ActresHost != "" && rr.ActresPort > 0:
		return fmt.Sprintf("http://%s:%d", rr.ActresHost, rr.ActresPort), nil
	}
	return "", fmt.Errorf("resource %s has no control address", rr.Name)
}

func TunnelLocalPort(rr *models.RemoteResource) int {
	return tunnelBasePort + int(rr.ID)
}

func (c *Client) timeoutFor(rr *models.RemoteResource, floor time.Duration) time.Duration {
	t := c.Timeout
	if rr.Timeout > 0 {
		t = time.Duration(rr.Timeout) * time.Second
	}
	if t < floor {
		t = floor
	}
	return t
}

// Send delivers cmd to target and returns the reply. The error is a
// *TransportError when no reply could be obtained and an *ExecutionError when
// the reply says FAILED; in the latter case the reply is returned too.
func (c *Client) Send(ctx context.Context, target *models.RemoteResource, cmd *RemoteCommand) (reply *RemoteCommand, err error) {
	ctx, span := observability.StartSpan(ctx, "command.send",
		attribute.String("command", cmd.Command), attribute.String("target", target.Name))
	defer func() { observability.EndSpan(span, err) }()

	if cmd.ID == "" {
		cmd.ID = NextID()
	}
	cmd.SenderToken = c.Self.AuthToken
	cmd.ReceiverToken = target.AuthToken

	if target.ID == c.Self.ID && c.Local != nil {
		reply = cmd
		c.Local.Process(ctx, reply)
	} else {
		reply, err = c.post(ctx, target, cmd)
		if err != nil {
			observability.RemoteCommands.WithLabelValues("sent", cmd.Command, "transport_error").Inc()
			return nil, err
		}
	}

	if !reply.Succeeded() {
		observability.RemoteCommands.WithLabelValues("sent", cmd.Command, "failed").Inc()
		return reply, &ExecutionError{
			Target:  target.Name,
			Command: cmd.Command,
			Class:   reply.ExceptionClass,
			Message: reply.ExceptionMessage,
		}
	}
	observability.RemoteCommands.WithLabelValues("sent", cmd.Command, "ok").Inc()
	return reply, nil
}

func (c *Client) post(ctx context.Context, target *models.RemoteResource, cmd *RemoteCommand) (*RemoteCommand, error) {
	terr := func(err error) error { return &TransportError{Target: target.Name, Op: "send " + cmd.Command, Err: err} }

	base, err := SiteURL(target)
	if err != nil {
		return nil, terr(err)
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, terr(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(target, 0))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/controls", bytes.NewReader(body))
	if err != nil {
		return nil, terr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.Self.AuthToken)

	var reply RemoteCommand
	if err := c.do(req, &reply); err != nil {
		return nil, terr(err)
	}
	if reply.CommandExecutionStatus == "" {
		return nil, terr(errors.New("reply carries no execution status"))
	}
	return &reply, nil
}

// Probe asks target for its ping or info report. Info probes get at least 30s.
func (c *Client) Probe(ctx context.Context, target *models.RemoteResource, mode string) (*models.Info, error) {
	if target.ID == c.Self.ID && c.Info != nil {
		return c.Info(mode), nil
	}
	terr := func(err error) error { return &TransportError{Target: target.Name, Op: mode, Err: err} }

	base, err := SiteURL(target)
	if err != nil {
		return nil, terr(err)
	}
	floor := time.Duration(0)
	if mode == ProbeInfo {
		floor = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(target, floor))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/controls/"+mode, nil)
	if err != nil {
		return nil, terr(err)
	}
	req.Header.Set(TokenHeader, c.Self.AuthToken)

	var info models.Info
	if err := c.do(req, &info); err != nil {
		return nil, terr(err)
	}
	if info.Name == "" {
		return nil, terr(errors.New("empty info reply"))
	}
	return &info, nil
}

func (c *Client) do(req *http.Request, out any) error {
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	return nil
}
