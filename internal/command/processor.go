package command

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/notify"
	"github.com/cbrain/controlplane/internal/observability"
)

// HandlerFunc runs one command. It may fill cmd.Result.
type HandlerFunc func(ctx context.Context, cmd *RemoteCommand) error

type Store interface {
	GetResourceByToken(ctx context.Context, token string) (*models.RemoteResource, error)
	AdminUser(ctx context.Context) (*models.User, error)
}

// Processor is the receiving side of the command channel.
type Processor struct {
	self     *models.RemoteResource
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewProcessor(self *models.RemoteResource, store Store, notifier notify.Notifier, logger *slog.Logger) *Processor {
	return &Processor{
		self:     self,
		store:    store,
		notifier: notifier,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

func (p *Processor) Self() *models.RemoteResource { return p.self }

func (p *Processor) Register(name string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

func (p *Processor) Commands() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	return out
}

// Process executes cmd in place and reports whether it succeeded. Failures are
// recorded in the exception fields and reported to the administrator.
func (p *Processor) Process(ctx context.Context, cmd *RemoteCommand) bool {
	ctx, span := observability.StartSpan(ctx, "command.process",
		attribute.String("command", cmd.Command), attribute.String("command_id", cmd.ID))

	err := p.run(ctx, cmd)
	observability.EndSpan(span, err)

	if err == nil {
		cmd.CommandExecutionStatus = StatusOK
		observability.RemoteCommands.WithLabelValues("received", cmd.Command, "ok").Inc()
		return true
	}

	cmd.CommandExecutionStatus = StatusFailed
	if cmd.ExceptionClass == "" {
		cmd.ExceptionClass = Class(err)
	}
	cmd.ExceptionMessage = err.Error()
	observability.RemoteCommands.WithLabelValues("received", cmd.Command, "failed").Inc()
	p.logger.Error("command failed", "command", cmd.Command, "id", cmd.ID, "err", err)

	var adminID int64
	if admin, aerr := p.store.AdminUser(ctx); aerr == nil {
		adminID = admin.ID
	}
	details := fmt.Sprintf("Command: %s\nPayload: %v\nBacktrace:\n%s",
		cmd.String(), cmd.Payload, strings.Join(cmd.Backtrace, "\n"))
	notify.InternalError(ctx, p.notifier, p.logger, adminID,
		fmt.Sprintf("%s %s could not process command %s", p.self.Type, p.self.Name, cmd.Command), err, details)
	return false
}

func (p *Processor) run(ctx context.Context, cmd *RemoteCommand) (err error) {
	if cmd.ReceiverToken != p.self.AuthToken {
		return &RejectedError{Reason: "receiver token does not match this resource"}
	}
	if _, lerr := p.store.GetResourceByToken(ctx, cmd.SenderToken); lerr != nil {
		return &RejectedError{Reason: "sender token does not belong to any known resource"}
	}

	p.mu.RLock()
	h, ok := p.handlers[cmd.Command]
	p.mu.RUnlock()
	if !ok {
		return &RejectedError{Reason: fmt.Sprintf("Unknown command %s", cmd.Command)}
	}

	defer func() {
		if r := recover(); r != nil {
			cmd.ExceptionClass = "panic"
			cmd.Backtrace = strings.Split(string(debug.Stack()), "\n")
			err = fmt.Errorf("%v", r)
		}
	}()

	p.logger.Info("processing command", "command", cmd.Command, "id", cmd.ID)
	return h(ctx, cmd)
}
