// Package reconciler converges observed xCat resource state toward a
// caller-declared desired state with the minimal set of mutating calls.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	validator "github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/util/wait"

	"xcat_ctl/pkg/client"
	"xcat_ctl/pkg/config"
	"xcat_ctl/pkg/tracker"
)

// DesiredState declares what should hold for a resource after a
// reconciliation pass. The power states apply to nodes only.
type DesiredState string

const (
	StatePresent    DesiredState = "present"
	StateAbsent     DesiredState = "absent"
	StateReset      DesiredState = "reset"
	StatePoweredOn  DesiredState = "powered_on"
	StatePoweredOff DesiredState = "powered_off"
)

// Descriptor declares the desired state of one resource. It is treated
// as immutable for the duration of a reconciliation pass.
type Descriptor struct {
	Kind         client.ResourceKind `validate:"required,oneof=image profile node"`
	Name         string              `validate:"required,max=255"`
	Attributes   client.Attributes   `validate:"-"`
	DesiredState DesiredState        `validate:"omitempty,oneof=present absent reset powered_on powered_off"`
}

// OperationKind classifies a planned mutation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpAction OperationKind = "action"
)

// Operation is one planned mutation. Plans are single-operation per
// reconciliation pass since resources are keyed by unique name.
type Operation struct {
	Kind    OperationKind
	Target  string
	Payload client.Attributes
}

// Result reports what a reconciliation pass did.
type Result struct {
	AppliedOps []Operation
	Unchanged  bool
	// Ticket is set for tracked node power and reset operations.
	Ticket *tracker.Ticket
}

// Reconciler performs one fetch-diff-mutate pass per call. No state is
// shared between passes, so concurrent reconciliation of different
// resources is safe.
type Reconciler struct {
	client         *client.XCatClient
	tracker        *tracker.Tracker
	validate       *validator.Validate
	observeRetries int
}

func New(c *client.XCatClient, tr *tracker.Tracker, cfg *config.Config) *Reconciler {
	return &Reconciler{
		client:         c,
		tracker:        tr,
		validate:       validator.New(),
		observeRetries: *cfg.ObserveRetries,
	}
}

// Reconcile converges one resource. Calling it twice with the same
// descriptor against a stable backend yields Unchanged on the second
// call with no mutating request issued.
func (r *Reconciler) Reconcile(ctx context.Context, d Descriptor) (*Result, error) {
	if err := r.validateDescriptor(d); err != nil {
		return nil, err
	}

	if d.Kind == client.KindNode && isPowerState(d.DesiredState) {
		return r.trackNodeOperation(ctx, d)
	}

	observed, exists, err := r.observe(ctx, d)
	if err != nil {
		return nil, err
	}

	var op Operation
	switch {
	case d.DesiredState == StateAbsent && !exists:
		return &Result{Unchanged: true}, nil
	case d.DesiredState == StateAbsent:
		op = Operation{Kind: OpDelete, Target: d.Name}
	case !exists:
		op = Operation{Kind: OpCreate, Target: d.Name, Payload: d.Attributes}
	default:
		changed := diffAttributes(d.Attributes, observed.Attributes)
		if len(changed) == 0 {
			slog.Debug("resource already converged", "kind", string(d.Kind), "name", d.Name)
			return &Result{Unchanged: true}, nil
		}
		// Send only the changed keys so attributes xCat manages
		// internally are never clobbered.
		op = Operation{Kind: OpUpdate, Target: d.Name, Payload: changed}
	}

	if err := r.execute(ctx, d.Kind, op); err != nil {
		return nil, err
	}
	return &Result{AppliedOps: []Operation{op}}, nil
}

func (r *Reconciler) trackNodeOperation(ctx context.Context, d Descriptor) (*Result, error) {
	ticket, err := r.tracker.Run(ctx, d.Name, tracker.Operation(d.DesiredState))
	result := &Result{Ticket: ticket}
	if ticket != nil && ticket.Invoked {
		result.AppliedOps = []Operation{{
			Kind:    OpAction,
			Target:  d.Name,
			Payload: client.Attributes{"operation": string(d.DesiredState)},
		}}
	} else {
		result.Unchanged = true
	}
	return result, err
}

func (r *Reconciler) validateDescriptor(d Descriptor) error {
	if err := r.validate.Struct(d); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			first := invalid[0]
			return &client.ValidationError{
				Field:   first.Field(),
				Message: fmt.Sprintf("failed %q validation with value %v", first.Tag(), first.Value()),
			}
		}
		return &client.ValidationError{Message: err.Error()}
	}
	if d.Kind != client.KindNode && isPowerState(d.DesiredState) {
		return &client.ValidationError{
			Field:   "DesiredState",
			Message: fmt.Sprintf("%s applies to nodes only, not %s", string(d.DesiredState), string(d.Kind)),
		}
	}
	return nil
}

// observe fetches the current resource, retrying transient transport
// failures a bounded number of times. NotFound is not an error here;
// it means the resource does not exist yet.
func (r *Reconciler) observe(ctx context.Context, d Descriptor) (*client.Resource, bool, error) {
	backoff := wait.Backoff{
		Duration: 100 * time.Millisecond,
		Factor:   2.0,
		Steps:    r.observeRetries + 1,
		Cap:      2 * time.Second,
	}
	var observed *client.Resource
	var lastTransport error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		res, err := r.client.Get(ctx, d.Kind, d.Name)
		if err != nil {
			if client.IsNotFound(err) {
				observed = nil
				return true, nil
			}
			if client.IsTransport(err) {
				slog.Warn("transient failure observing resource, retrying", "kind", string(d.Kind), "name", d.Name, "error", err)
				lastTransport = err
				return false, nil
			}
			return false, err
		}
		observed = res
		return true, nil
	})
	if err != nil {
		if wait.Interrupted(err) && lastTransport != nil {
			return nil, false, lastTransport
		}
		return nil, false, err
	}
	return observed, observed != nil, nil
}

func (r *Reconciler) execute(ctx context.Context, kind client.ResourceKind, op Operation) error {
	switch op.Kind {
	case OpCreate:
		return r.client.Create(ctx, kind, op.Target, op.Payload)
	case OpUpdate:
		return r.client.Update(ctx, kind, op.Target, op.Payload)
	case OpDelete:
		return r.client.Delete(ctx, kind, op.Target)
	}
	return &client.ValidationError{Field: "operation", Message: fmt.Sprintf("unexpected operation kind %q", string(op.Kind))}
}

func isPowerState(state DesiredState) bool {
	switch state {
	case StateReset, StatePoweredOn, StatePoweredOff:
		return true
	}
	return false
}
