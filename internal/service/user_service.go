package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/svmp/svmp-proxy/internal/domain/auth"
	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
	"github.com/svmp/svmp-proxy/internal/metrics"
)

// Provisioner runs VM workflows for users.
type Provisioner interface {
	Provision(ctx context.Context, username, image, volumeID string) (vm.Resource, error)
	Teardown(ctx context.Context, res vm.Resource) error
	ListFlavors(ctx context.Context) ([]vm.Flavor, error)
	ListImages(ctx context.Context) ([]vm.Image, error)
}

var (
	// ErrVMAssigned is returned when assigning a VM to a user that has one.
	ErrVMAssigned = errors.New("user already has a vm")
	// ErrNoImage is returned when no image is configured for a device type.
	ErrNoImage = errors.New("no image configured for device type")
)

// NewUser is the operator input for creating a user.
type NewUser struct {
	Username   string `yaml:"username" json:"username" validate:"required,max=64,printascii,excludesall=/ "`
	Password   string `yaml:"password" json:"password" validate:"omitempty,min=8"`
	DeviceType string `yaml:"device_type" json:"device_type" validate:"omitempty,max=64,printascii"`
}

// UserService implements the operator workflows around users and their VMs.
type UserService struct {
	users    user.Store
	vms      Provisioner
	images   map[string]string
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewUserService creates a UserService. images maps device types to the
// image new VMs boot from; the "default" entry covers unknown types.
func NewUserService(users user.Store, vms Provisioner, images map[string]string, logger *slog.Logger, m *metrics.Metrics) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{
		users:    users,
		vms:      vms,
		images:   images,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser validates and stores a new user. The password is hashed with
// Argon2id; users without one can only authenticate externally or by
// certificate.
func (s *UserService) CreateUser(ctx context.Context, in NewUser) (*user.User, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid user: %w", err)
	}

	var hash string
	if in.Password != "" {
		h, err := auth.HashPassword(in.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = h
	}

	u := &user.User{
		Username:     in.Username,
		PasswordHash: hash,
		DeviceType:   in.DeviceType,
		CreatedAt:    s.now(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "username", u.Username, "device_type", u.DeviceType)
	return u, nil
}

// ImportUsers creates every user in the list, skipping ones that exist.
// It returns how many were created.
func (s *UserService) ImportUsers(ctx context.Context, in []NewUser) (int, error) {
	created := 0
	for _, nu := range in {
		_, err := s.CreateUser(ctx, nu)
		if errors.Is(err, user.ErrUserExists) {
			s.logger.Debug("user exists, skipping", "username", nu.Username)
			continue
		}
		if err != nil {
			return created, fmt.Errorf("import %q: %w", nu.Username, err)
		}
		created++
	}
	return created, nil
}

// ListUsers returns all users.
func (s *UserService) ListUsers(ctx context.Context) ([]*user.User, error) {
	return s.users.List(ctx)
}

// AssignVM provisions a VM for the user and stores the assignment. An
// existing volume is reattached.
func (s *UserService) AssignVM(ctx context.Context, username string) (vm.Resource, error) {
	u, err := s.users.Get(ctx, username)
	if err != nil {
		return vm.Resource{}, err
	}
	if u.HasVM() {
		return u.VM, ErrVMAssigned
	}

	image := s.images[u.DeviceType]
	if image == "" {
		image = s.images["default"]
	}
	if image == "" {
		return vm.Resource{}, fmt.Errorf("%w: %q", ErrNoImage, u.DeviceType)
	}

	res, err := s.vms.Provision(ctx, username, image, u.VM.VolumeID)
	if err != nil {
		var pf *vm.ProvisionFailure
		if errors.As(err, &pf) {
			s.metrics.Provisioned(string(pf.Step))
		} else {
			s.metrics.Provisioned("error")
		}
		// Keep a newly created volume so the next attempt reuses it.
		if res.VolumeID != "" && res.VolumeID != u.VM.VolumeID {
			if serr := s.users.SetVM(ctx, username, vm.Resource{VolumeID: res.VolumeID}); serr != nil {
				s.logger.Error("failed to record volume after provisioning error", "username", username, "error", serr)
			}
		}
		s.logger.Error("vm provisioning failed", "username", username, "error", err)
		return vm.Resource{}, err
	}

	if err := s.users.SetVM(ctx, username, res); err != nil {
		if terr := s.vms.Teardown(context.WithoutCancel(ctx), res); terr != nil {
			s.logger.Error("failed to roll back unrecorded vm", "server_id", res.ServerID, "error", terr)
		}
		return vm.Resource{}, fmt.Errorf("record vm: %w", err)
	}

	s.metrics.Provisioned("ok")
	s.logger.Info("vm assigned", "username", username, "server_id", res.ServerID, "address", res.Address)
	return res, nil
}

// ReleaseVM clears the user's VM assignment and destroys the VM.
func (s *UserService) ReleaseVM(ctx context.Context, username string) error {
	res, err := s.users.RemoveUserVM(ctx, username)
	if err != nil {
		return err
	}
	if err := s.vms.Teardown(ctx, res); err != nil {
		return err
	}
	s.logger.Info("vm released", "username", username, "server_id", res.ServerID)
	return nil
}

// ListImages returns the provider's images.
func (s *UserService) ListImages(ctx context.Context) ([]vm.Image, error) {
	return s.vms.ListImages(ctx)
}

// ListFlavors returns the provider's flavors.
func (s *UserService) ListFlavors(ctx context.Context) ([]vm.Flavor, error) {
	return s.vms.ListFlavors(ctx)
}
