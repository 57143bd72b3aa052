// Package modules exposes the calling contract of the automation
// layer: one entry point per managed resource kind plus token
// acquisition. Each call reports changed vs unchanged, the operations
// applied and, for tracked node actions, the final ticket status.
package modules

import (
	"context"
	"errors"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"

	"xcat_ctl/pkg/client"
	"xcat_ctl/pkg/config"
	"xcat_ctl/pkg/reconciler"
	"xcat_ctl/pkg/tracker"
)

const (
	EnsurePresent = "present"
	EnsureAbsent  = "absent"

	StateStateless = "stateless"
	StateStateful  = "stateful"

	OperationGenerate = "generate"
	OperationPackage  = "package"
)

// imageActions maps module operations onto osimage instance actions.
var imageActions = map[string]string{
	OperationGenerate: "gen",
	OperationPackage:  "pack",
}

// Runner wires the client, token manager, reconciler and tracker for a
// sequence of module calls against one endpoint. The session lives only
// as long as the Runner.
type Runner struct {
	cfg      *config.Config
	client   *client.XCatClient
	tokens   *client.TokenManager
	rec      *reconciler.Reconciler
	track    *tracker.Tracker
	validate *validator.Validate
}

// Option adjusts a Runner during construction.
type Option func(*Runner)

// WithAuditSink replaces the default slog audit sink for mutations.
func WithAuditSink(sink client.AuditSink) Option {
	return func(r *Runner) {
		r.client.Audit = sink
	}
}

func NewRunner(cfg *config.Config, creds client.Credentials, opts ...Option) (*Runner, error) {
	c, err := client.BuildXCatClient(cfg)
	if err != nil {
		return nil, err
	}
	tokens := client.NewTokenManager(c, creds, cfg)
	c.TokenSource = tokens
	track := tracker.New(c, cfg)
	runner := &Runner{
		cfg:      cfg,
		client:   c,
		tokens:   tokens,
		rec:      reconciler.New(c, track, cfg),
		track:    track,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner, nil
}

// Result is the record handed back to the calling automation layer.
type Result struct {
	Changed      bool
	ImageName    string
	AppliedOps   []reconciler.Operation
	TicketStatus tracker.Status
}

// TokenResult carries an acquired session token and its expiry.
type TokenResult struct {
	Token     string
	ExpiresAt time.Time
}

// Token authenticates and returns the session token, mirroring the
// standalone token module of the original collection.
func (r *Runner) Token(ctx context.Context) (*TokenResult, error) {
	session, err := r.tokens.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &TokenResult{Token: session.Token, ExpiresAt: session.ExpiresAt}, nil
}

// ImageParams declares the desired state of an osimage. When ImageName
// is empty the conventional osvers-osarch-provmethod-name composition
// is used.
type ImageParams struct {
	Name      string `validate:"required_without=ImageName,max=255"`
	ImageName string `validate:"omitempty,max=255"`
	State     string `validate:"omitempty,oneof=stateless stateful"`
	Operation string `validate:"omitempty,oneof=generate package"`
	Ensure    string `validate:"omitempty,oneof=present absent"`
	// Update controls whether an existing image is reconciled. When
	// false an existing image is used as-is.
	Update bool

	OSVers       string
	OSArch       string
	OSDistroName string
	OSName       string
	ImageType    string
	Profile      string

	OtherPkgDir string
	PkgDir      string
	PkgList     string
	PostInstall string

	// Stateful images install from a template.
	Template string
	// Stateless (diskless) image options.
	Permission string
	ExList     string
	RootImgDir string
}

func (p ImageParams) imageName() string {
	if p.ImageName != "" {
		return p.ImageName
	}
	return fmt.Sprintf("%s-%s-%s-%s", p.OSVers, p.osArch(), p.provmethod(), p.Name)
}

func (p ImageParams) osArch() string {
	if p.OSArch == "" {
		return "x86_64"
	}
	return p.OSArch
}

func (p ImageParams) provmethod() string {
	if p.State == StateStateful {
		return "install"
	}
	return "netboot"
}

// attributes assembles the osimage attribute payload: common options
// always, template for stateful images only, the diskless options for
// stateless images only.
func (p ImageParams) attributes() client.Attributes {
	attrs := client.Attributes{
		"objtype":    "osimage",
		"provmethod": p.provmethod(),
		"osarch":     p.osArch(),
	}
	setIfPresent := func(key, value string) {
		if value != "" {
			attrs[key] = value
		}
	}
	setIfPresent("imagetype", p.ImageType)
	setIfPresent("osdistroname", p.OSDistroName)
	setIfPresent("osname", p.OSName)
	setIfPresent("osvers", p.OSVers)
	setIfPresent("otherpkgdir", p.OtherPkgDir)
	setIfPresent("pkgdir", p.PkgDir)
	setIfPresent("pkglist", p.PkgList)
	setIfPresent("postinstall", p.PostInstall)
	setIfPresent("profile", p.Profile)
	if p.State == StateStateful {
		setIfPresent("template", p.Template)
	}
	if p.State == StateStateless {
		setIfPresent("permission", p.Permission)
		setIfPresent("exlist", p.ExList)
		setIfPresent("rootimgdir", p.RootImgDir)
	}
	return attrs
}

// Image reconciles an osimage and optionally runs a generate or
// package action against it.
func (r *Runner) Image(ctx context.Context, p ImageParams) (*Result, error) {
	if err := r.validateParams(p); err != nil {
		return nil, err
	}
	name := p.imageName()
	result := &Result{ImageName: name}

	if p.Ensure == EnsureAbsent {
		res, err := r.rec.Reconcile(ctx, reconciler.Descriptor{
			Kind:         client.KindImage,
			Name:         name,
			DesiredState: reconciler.StateAbsent,
		})
		if err != nil {
			return nil, err
		}
		result.Changed = !res.Unchanged
		result.AppliedOps = res.AppliedOps
		return result, nil
	}

	changed := false
	if p.Update {
		res, err := r.rec.Reconcile(ctx, reconciler.Descriptor{
			Kind:       client.KindImage,
			Name:       name,
			Attributes: p.attributes(),
		})
		if err != nil {
			return nil, err
		}
		changed = !res.Unchanged
		result.AppliedOps = res.AppliedOps
	} else {
		// Without update the image is created only when missing and
		// otherwise used as-is.
		_, err := r.client.Get(ctx, client.KindImage, name)
		switch {
		case err == nil:
		case client.IsNotFound(err):
			res, recErr := r.rec.Reconcile(ctx, reconciler.Descriptor{
				Kind:       client.KindImage,
				Name:       name,
				Attributes: p.attributes(),
			})
			if recErr != nil {
				return nil, recErr
			}
			changed = !res.Unchanged
			result.AppliedOps = res.AppliedOps
		default:
			return nil, err
		}
	}

	switch p.Operation {
	case OperationGenerate:
		// Regenerate only when the definition actually changed.
		if changed {
			if err := r.imageAction(ctx, name, OperationGenerate, result); err != nil {
				return nil, err
			}
		}
	case OperationPackage:
		if err := r.imageAction(ctx, name, OperationPackage, result); err != nil {
			return nil, err
		}
		changed = true
	}

	result.Changed = changed || len(result.AppliedOps) > 0
	return result, nil
}

func (r *Runner) imageAction(ctx context.Context, name string, operation string, result *Result) error {
	action := imageActions[operation]
	if err := r.client.InvokeAction(ctx, client.KindImage, name, action, nil); err != nil {
		return err
	}
	result.AppliedOps = append(result.AppliedOps, reconciler.Operation{
		Kind:    reconciler.OpAction,
		Target:  name,
		Payload: client.Attributes{"action": action},
	})
	return nil
}

// ProfileParams declares the desired state of an image profile.
type ProfileParams struct {
	Name       string `validate:"required,max=255"`
	Attributes map[string]any
	Ensure     string `validate:"omitempty,oneof=present absent"`
}

// Profile reconciles a profile's attributes.
func (r *Runner) Profile(ctx context.Context, p ProfileParams) (*Result, error) {
	if err := r.validateParams(p); err != nil {
		return nil, err
	}
	desc := reconciler.Descriptor{
		Kind:       client.KindProfile,
		Name:       p.Name,
		Attributes: p.Attributes,
	}
	if p.Ensure == EnsureAbsent {
		desc.Attributes = nil
		desc.DesiredState = reconciler.StateAbsent
	}
	res, err := r.rec.Reconcile(ctx, desc)
	if err != nil {
		return nil, err
	}
	return &Result{Changed: !res.Unchanged, AppliedOps: res.AppliedOps}, nil
}

// NodeParams declares the desired state of a node, plus an optional
// operation: bootstate assignment or a tracked power action.
type NodeParams struct {
	Name       string `validate:"required,max=255"`
	Attributes map[string]any
	Ensure     string `validate:"omitempty,oneof=present absent"`
	Operation  string `validate:"omitempty,oneof=bootstate reset powered_on powered_off"`
	// Image is the osimage assigned when Operation is bootstate.
	Image string `validate:"required_if=Operation bootstate,omitempty,max=255"`
}

// Node reconciles node attributes and executes the requested node
// operation. Power and reset operations are tracked to completion and
// the final ticket status is reported.
func (r *Runner) Node(ctx context.Context, p NodeParams) (*Result, error) {
	if err := r.validateParams(p); err != nil {
		return nil, err
	}
	result := &Result{}

	if p.Ensure == EnsureAbsent {
		res, err := r.rec.Reconcile(ctx, reconciler.Descriptor{
			Kind:         client.KindNode,
			Name:         p.Name,
			DesiredState: reconciler.StateAbsent,
		})
		if err != nil {
			return nil, err
		}
		result.Changed = !res.Unchanged
		result.AppliedOps = res.AppliedOps
		return result, nil
	}

	if len(p.Attributes) > 0 || p.Ensure == EnsurePresent {
		res, err := r.rec.Reconcile(ctx, reconciler.Descriptor{
			Kind:       client.KindNode,
			Name:       p.Name,
			Attributes: p.Attributes,
		})
		if err != nil {
			return nil, err
		}
		result.Changed = !res.Unchanged
		result.AppliedOps = res.AppliedOps
	}

	switch p.Operation {
	case "":
	case "bootstate":
		err := r.client.InvokeAction(ctx, client.KindNode, p.Name, "bootstate", client.Attributes{"osimage": p.Image})
		if err != nil {
			return nil, err
		}
		result.Changed = true
		result.AppliedOps = append(result.AppliedOps, reconciler.Operation{
			Kind:    reconciler.OpAction,
			Target:  p.Name,
			Payload: client.Attributes{"action": "bootstate", "osimage": p.Image},
		})
	default:
		res, err := r.rec.Reconcile(ctx, reconciler.Descriptor{
			Kind:         client.KindNode,
			Name:         p.Name,
			DesiredState: reconciler.DesiredState(p.Operation),
		})
		if res != nil {
			if res.Ticket != nil {
				result.TicketStatus = res.Ticket.Status
			}
			result.Changed = result.Changed || !res.Unchanged
			result.AppliedOps = append(result.AppliedOps, res.AppliedOps...)
		}
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

func (r *Runner) validateParams(params any) error {
	err := r.validate.Struct(params)
	if err == nil {
		return nil
	}
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
