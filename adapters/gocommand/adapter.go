package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	"github.com/goliatone/go-multibank/command"
	"github.com/goliatone/go-multibank/query"
)

// Service is the surface RegisterService binds to the dispatcher.
type Service interface {
	command.MutatingService
	query.AccountsReader
	query.ConsentReader
	query.TokenVerifier
}

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := gocmd.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(gocmd.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *gocmd.Registry
}

func NewRegistryAdapter(registry *gocmd.Registry) *RegistryAdapter {
	if registry == nil {
		registry = gocmd.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *gocmd.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) AddResolver(key string, resolver gocmd.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors every registered command into a go-job queue
// registry so the same handlers can run from background workers.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd gocmd.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// SubscribeQuery only subscribes: the registry resolves commands, queries
// are answered straight from the dispatcher.
func SubscribeQuery[T any, R any](
	qry gocmd.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...), nil
}

// Registration holds the dispatcher subscriptions created by RegisterService.
type Registration struct {
	subscriptions []commanddispatcher.Subscription
}

func (r *Registration) Len() int {
	if r == nil {
		return 0
	}
	return len(r.subscriptions)
}

// Close removes every subscription. Safe to call more than once.
func (r *Registration) Close() {
	if r == nil {
		return
	}
	for _, sub := range r.subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	r.subscriptions = nil
}

// RegisterService wires the consent and token commands plus the read
// queries of a multibank service into the dispatcher. On failure every
// subscription made so far is removed.
func RegisterService(adapter *RegistryAdapter, service Service, runnerOpts ...runner.Option) (*Registration, error) {
	if service == nil {
		return nil, fmt.Errorf("gocommand: service is required")
	}
	reg := &Registration{}
	keep := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		reg.subscriptions = append(reg.subscriptions, sub)
		return nil
	}

	err := errors.Join(
		keep(RegisterAndSubscribe(adapter, command.NewRequestConsentCommand(service), runnerOpts...)),
		keep(RegisterAndSubscribe(adapter, command.NewUpdateConsentStatusCommand(service), runnerOpts...)),
		keep(RegisterAndSubscribe(adapter, command.NewExpireStaleConsentsCommand(service), runnerOpts...)),
		keep(RegisterAndSubscribe(adapter, command.NewRefreshTokensCommand(service), runnerOpts...)),
		keep(SubscribeQuery(query.NewAggregateQuery(service), runnerOpts...)),
		keep(SubscribeQuery(query.NewGetActiveConsentQuery(service), runnerOpts...)),
		keep(SubscribeQuery(query.NewVerifyTokenQuery(service), runnerOpts...)),
	)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return reg, nil
}
