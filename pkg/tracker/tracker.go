// Package tracker drives long-running node actions from "requested" to
// "confirmed applied" by polling the node through the API client.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"xcat_ctl/pkg/client"
	"xcat_ctl/pkg/config"
)

// Status is the lifecycle state of a tracked node operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Operation is a node action the tracker can drive.
type Operation string

const (
	OpReset      Operation = "reset"
	OpPoweredOn  Operation = "powered_on"
	OpPoweredOff Operation = "powered_off"
)

// xcatActions maps operations onto the rpower action names.
var xcatActions = map[Operation]string{
	OpReset:      "reset",
	OpPoweredOn:  "on",
	OpPoweredOff: "off",
}

// Ticket is the unit of observability for one node operation. It is
// mutated only by the tracker run that created it and is terminal once
// the status reaches succeeded, failed or timed_out.
type Ticket struct {
	NodeName  string
	Operation Operation
	Status    Status
	StartedAt time.Time

	// Polls counts every status read, including the initial one.
	Polls int
	// LastObserved is the most recent reading of the status attribute.
	LastObserved string
	// Invoked reports whether the xCat action was actually issued; it
	// stays false when the node was already in the target state.
	Invoked bool

	failure error
}

// Terminal reports whether the ticket reached a final state.
func (t *Ticket) Terminal() bool {
	switch t.Status {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Err converts a terminal failure status into a categorized error. The
// caller decides whether timed_out is a hard failure.
func (t *Ticket) Err() error {
	return t.failure
}

// Tracker polls node state at a fixed interval under a wall-clock
// ceiling. The convergence predicate is configuration, not code: xCat
// deployments differ in which attribute reports power and boot state.
type Tracker struct {
	client      *client.XCatClient
	interval    time.Duration
	ceiling     time.Duration
	faultBudget int
	rules       map[Operation]config.NodeStateRule
}

func New(c *client.XCatClient, cfg *config.Config) *Tracker {
	rules := make(map[Operation]config.NodeStateRule, len(cfg.NodeStates))
	for _, rule := range cfg.NodeStates {
		rules[Operation(rule.Operation)] = rule
	}
	return &Tracker{
		client:      c,
		interval:    cfg.PollInterval.Std(),
		ceiling:     cfg.PollCeiling.Std(),
		faultBudget: *cfg.PollFaultBudget,
		rules:       rules,
	}
}

// Run issues the node action and polls until the node reports the
// target state, the ceiling elapses, or the context is cancelled.
// Cancellation abandons polling and returns the ticket in its last
// observed state; the action already issued is not rolled back.
func (t *Tracker) Run(ctx context.Context, nodeName string, op Operation) (*Ticket, error) {
	ticket := &Ticket{
		NodeName:  nodeName,
		Operation: op,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
	action, ok := xcatActions[op]
	if !ok {
		err := &client.ValidationError{Field: "operation", Message: fmt.Sprintf("unknown node operation %q", string(op))}
		ticket.Status = StatusFailed
		ticket.failure = err
		return ticket, err
	}
	rule, ok := t.rules[op]
	if !ok {
		err := &client.ValidationError{Field: "operation", Message: fmt.Sprintf("no state rule configured for %q", string(op))}
		ticket.Status = StatusFailed
		ticket.failure = err
		return ticket, err
	}

	// A node already in the target state needs no action.
	if state, err := t.observe(ctx, ticket, rule); err == nil && matches(state, rule.ConvergedValues) {
		ticket.Status = StatusSucceeded
		slog.Info("node already in target state", "node", nodeName, "operation", string(op), "state", state)
		return ticket, nil
	}

	if err := t.client.InvokeAction(ctx, client.KindNode, nodeName, action, nil); err != nil {
		if client.IsConflict(err) {
			// A conflicting concurrent change needs a caller decision.
			return ticket, err
		}
		ticket.Status = StatusFailed
		ticket.failure = err
		return ticket, err
	}
	ticket.Invoked = true
	ticket.Status = StatusInProgress

	faults := 0
	pollErr := wait.PollUntilContextTimeout(ctx, t.interval, t.ceiling, false, func(ctx context.Context) (bool, error) {
		state, err := t.observe(ctx, ticket, rule)
		if err != nil {
			if client.IsTransport(err) {
				faults++
				if faults > t.faultBudget {
					return false, err
				}
				slog.Warn("transient failure while polling node", "node", nodeName, "error", err, "faults", faults)
				return false, nil
			}
			return false, err
		}
		faults = 0
		if matches(state, rule.FailedValues) {
			return false, fmt.Errorf("node %q reports %s=%q", nodeName, rule.StatusAttribute, state)
		}
		return matches(state, rule.ConvergedValues), nil
	})

	switch {
	case pollErr == nil:
		ticket.Status = StatusSucceeded
		return ticket, nil
	case ctx.Err() != nil:
		// Cancelled by the caller: the ticket keeps its last observed
		// state rather than being forced terminal.
		return ticket, ctx.Err()
	case wait.Interrupted(pollErr):
		ticket.Status = StatusTimedOut
		ticket.failure = &client.TimeoutError{
			Kind:      client.KindNode,
			Name:      nodeName,
			Operation: string(op),
			Ceiling:   t.ceiling,
		}
		return ticket, nil
	default:
		ticket.Status = StatusFailed
		ticket.failure = pollErr
		return ticket, pollErr
	}
}

func (t *Tracker) observe(ctx context.Context, ticket *Ticket, rule config.NodeStateRule) (string, error) {
	ticket.Polls++
	res, err := t.client.Get(ctx, client.KindNode, ticket.NodeName)
	if err != nil {
		return "", err
	}
	value, ok := res.Attributes[rule.StatusAttribute]
	if !ok {
		return "", nil
	}
	state := fmt.Sprint(value)
	ticket.LastObserved = state
	return state, nil
}

func matches(state string, values []string) bool {
	for _, value := range values {
		if state == value {
			return true
		}
	}
	return false
}
