package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/svmp/svmp-proxy/internal/domain/vm"

// DefaultPollInterval is how often a booting VM is polled.
const DefaultPollInterval = 2 * time.Second

// Defaults are the parameters applied to every new VM and volume.
type Defaults struct {
	Flavor           string
	GoldSnapshotID   string
	GoldSnapshotSize int
	PollInterval     time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*orchestratorOptions)

type orchestratorOptions struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.logger = logger
	}
}

// WithTracerProvider sets the provider spans are recorded with.
func WithTracerProvider(tp trace.TracerProvider) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets the provider the duration histogram is created from.
func WithMeterProvider(mp metric.MeterProvider) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.meterProvider = mp
	}
}

// Orchestrator runs the multi-step provision and teardown workflows
// against a Provider and maps provider errors to typed failures.
type Orchestrator struct {
	provider Provider
	defaults Defaults
	logger   *slog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(provider Provider, defaults Defaults, opts ...OrchestratorOption) *Orchestrator {
	o := orchestratorOptions{
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if defaults.PollInterval <= 0 {
		defaults.PollInterval = DefaultPollInterval
	}

	duration, err := o.meterProvider.Meter(instrumentationName).Float64Histogram(
		"svmp.vm.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of VM provisioning and teardown operations"),
	)
	if err != nil {
		o.logger.Warn("failed to create vm duration histogram", "error", err)
	}

	return &Orchestrator{
		provider: provider,
		defaults: defaults,
		logger:   o.logger,
		tracer:   o.tracerProvider.Tracer(instrumentationName),
		duration: duration,
	}
}

// CreateAndStartVM creates a VM for username from image, waits for it to
// run and returns its address and identifier.
func (o *Orchestrator) CreateAndStartVM(ctx context.Context, username, image string) (res Resource, err error) {
	ctx, done := o.begin(ctx, "create_and_start", username)
	defer func() { done(err) }()

	id, err := o.provider.CreateServer(ctx, ServerSpec{
		Name:   ServerName(username),
		Image:  image,
		Flavor: o.defaults.Flavor,
	})
	if err != nil {
		// A provider may fail after the server exists; keep the identifier
		// so the caller can destroy it.
		return Resource{ServerID: id}, &ProvisionFailure{Step: StepCreate, Username: username, Err: err}
	}
	o.logger.Debug("vm created, waiting for it to start", "username", username, "server_id", id)

	server, err := o.provider.WaitUntilRunning(ctx, id, o.defaults.PollInterval)
	if err != nil {
		return Resource{ServerID: id}, &ProvisionFailure{Step: StepStart, Username: username, Err: err}
	}
	if server == nil || server.Address == "" {
		return Resource{ServerID: id}, &ProvisionFailure{Step: StepNoIP, Username: username, Err: errors.New("vm has no private address")}
	}

	o.logger.Info("vm running", "username", username, "server_id", id, "address", server.Address)
	return Resource{Address: server.Address, ServerID: id}, nil
}

// CreateVolume creates the user's volume from the gold snapshot.
func (o *Orchestrator) CreateVolume(ctx context.Context, username string) (id string, err error) {
	ctx, done := o.begin(ctx, "create_volume", username)
	defer func() { done(err) }()

	id, err = o.provider.CreateVolume(ctx, VolumeSpec{
		Name:        VolumeName(username),
		Description: VolumeDescription(username),
		SizeGB:      o.defaults.GoldSnapshotSize,
		SnapshotID:  o.defaults.GoldSnapshotID,
	})
	if err != nil {
		return "", &ProvisionFailure{Step: StepVolume, Username: username, Err: err}
	}
	return id, nil
}

// AttachVolume attaches volumeID to serverID.
func (o *Orchestrator) AttachVolume(ctx context.Context, username, serverID, volumeID string) (err error) {
	ctx, done := o.begin(ctx, "attach_volume", username)
	defer func() { done(err) }()

	if err := o.provider.AttachVolume(ctx, serverID, volumeID); err != nil {
		return &ProvisionFailure{Step: StepAttach, Username: username, Err: err}
	}
	return nil
}

// Provision chains VM creation, volume creation and attachment. A user's
// existing volume is reattached instead of creating a new one. When a step
// after VM creation fails the VM is destroyed again before returning.
func (o *Orchestrator) Provision(ctx context.Context, username, image, volumeID string) (Resource, error) {
	res, err := o.CreateAndStartVM(ctx, username, image)
	if err != nil {
		o.rollback(ctx, res)
		return Resource{}, err
	}

	if volumeID == "" {
		volumeID, err = o.CreateVolume(ctx, username)
		if err != nil {
			o.rollback(ctx, res)
			return Resource{}, err
		}
	}
	res.VolumeID = volumeID

	if err := o.AttachVolume(ctx, username, res.ServerID, volumeID); err != nil {
		// The volume is kept so a later attempt can reuse it.
		o.rollback(ctx, Resource{ServerID: res.ServerID})
		return Resource{VolumeID: volumeID}, err
	}
	return res, nil
}

// Teardown destroys the VM in res. A resource without a server identifier
// is already torn down.
func (o *Orchestrator) Teardown(ctx context.Context, res Resource) (err error) {
	if res.ServerID == "" {
		return nil
	}
	ctx, done := o.begin(ctx, "teardown", "")
	defer func() { done(err) }()

	if err := o.provider.DestroyServer(ctx, res.ServerID); err != nil {
		return &TeardownFailure{ServerID: res.ServerID, Err: err}
	}
	o.logger.Info("vm destroyed", "server_id", res.ServerID)
	return nil
}

// ListFlavors returns the provider's flavors.
func (o *Orchestrator) ListFlavors(ctx context.Context) ([]Flavor, error) {
	flavors, err := o.provider.ListFlavors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flavors: %w", err)
	}
	return flavors, nil
}

// ListImages returns the provider's images.
func (o *Orchestrator) ListImages(ctx context.Context) ([]Image, error) {
	images, err := o.provider.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

func (o *Orchestrator) rollback(ctx context.Context, res Resource) {
	if res.ServerID == "" {
		return
	}
	if err := o.Teardown(context.WithoutCancel(ctx), res); err != nil {
		o.logger.Error("failed to roll back vm after provisioning error", "server_id", res.ServerID, "error", err)
	}
}

// begin starts a span for op and returns a func that ends it and records
// the operation's duration and outcome.
func (o *Orchestrator) begin(ctx context.Context, op, username string) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{attribute.String("svmp.vm.operation", op)}
	if username != "" {
		attrs = append(attrs, attribute.String("svmp.username", username))
	}
	ctx, span := o.tracer.Start(ctx, "vm."+op, trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(err error) {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			var pf *ProvisionFailure
			if errors.As(err, &pf) {
				span.SetAttributes(attribute.String("svmp.vm.step", string(pf.Step)))
			}
		}
		span.End()
		if o.duration != nil {
			o.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("operation", op),
				attribute.String("outcome", outcome),
			))
		}
	}
}
