package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/svmp/svmp-proxy/internal/config"
	"github.com/svmp/svmp-proxy/internal/metrics"
	"github.com/svmp/svmp-proxy/internal/service"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their VMs",
	Long: `Manage the users stored by the configured storage driver.

These commands open the same storage and VM provider as "svmp-proxy start",
so they are meant for the file and sqlite drivers. With the memory driver
changes are lost when the command exits.`,
}

var (
	userPassword      string
	userPasswordStdin bool
	userDeviceType    string
)

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Long: `Create a user. The password is hashed with argon2id before it is stored.
Users without a password can only log in through an external validator
or a client certificate.

Examples:
  svmp-proxy user add alice --password-stdin --device-type tablet < pw.txt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := userPassword
		if userPasswordStdin {
			p, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			password = p
		}
		return withUserService(cmd.Context(), func(svc *service.UserService) error {
			u, err := svc.CreateUser(cmd.Context(), service.NewUser{
				Username:   args[0],
				Password:   password,
				DeviceType: userDeviceType,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %s\n", u.Username)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users and their VM assignment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserService(cmd.Context(), func(svc *service.UserService) error {
			users, err := svc.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No users.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "USERNAME\tDEVICE\tPASSWORD\tVM ADDRESS\tSERVER\tVOLUME")
			for _, u := range users {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					u.Username,
					dash(u.DeviceType),
					yesNo(u.PasswordHash != ""),
					dash(u.VM.Address),
					dash(u.VM.ServerID),
					dash(u.VM.VolumeID),
				)
			}
			return w.Flush()
		})
	},
}

// importFile is the YAML layout accepted by "user import".
type importFile struct {
	Users []service.NewUser `yaml:"users"`
}

var userImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create users from a YAML file",
	Long: `Create every user listed in a YAML file. Existing users are skipped.

File format:
  users:
    - username: alice
      password: correct-horse
      device_type: tablet
    - username: bob`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := readImportFile(args[0])
		if err != nil {
			return err
		}
		return withUserService(cmd.Context(), func(svc *service.UserService) error {
			n, err := svc.ImportUsers(cmd.Context(), entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d users\n", n, len(entries))
			return nil
		})
	},
}

var userAssignVMCmd = &cobra.Command{
	Use:   "assign-vm <username>",
	Short: "Provision a VM for a user",
	Long: `Provision a VM from the image mapped to the user's device type and
attach the user's volume, creating it from the gold snapshot if needed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserService(cmd.Context(), func(svc *service.UserService) error {
			res, err := svc.AssignVM(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assigned VM %s (%s) with volume %s to %s\n",
				res.ServerID, res.Address, res.VolumeID, args[0])
			return nil
		})
	},
}

var userReleaseVMCmd = &cobra.Command{
	Use:   "release-vm <username>",
	Short: "Destroy a user's VM, keeping the volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserService(cmd.Context(), func(svc *service.UserService) error {
			if err := svc.ReleaseVM(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released VM of %s\n", args[0])
			return nil
		})
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "password (appears in shell history; prefer --password-stdin)")
	userAddCmd.Flags().BoolVar(&userPasswordStdin, "password-stdin", false, "read the password from stdin")
	userAddCmd.Flags().StringVar(&userDeviceType, "device-type", "", "device type selecting the VM image")
	userAddCmd.MarkFlagsMutuallyExclusive("password", "password-stdin")

	userCmd.AddCommand(userAddCmd, userListCmd, userImportCmd, userAssignVMCmd, userReleaseVMCmd)
	rootCmd.AddCommand(userCmd)
}

// withUserService opens the configured storage and VM provider, runs fn
// and closes them again.
func withUserService(ctx context.Context, fn func(*service.UserService) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if cfg.Storage.Driver == "memory" {
		logger.Warn("storage driver is memory; changes will not persist")
	}

	store, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	provider, closeProvider, err := openProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeProvider() }()

	orch := newOrchestrator(provider, cfg, logger, nil)
	svc := service.NewUserService(store.users, orch, cfg.VMs.Defaults.Images, logger, metrics.New(prometheus.NewRegistry()))
	return fn(svc)
}

func readImportFile(path string) ([]service.NewUser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f importFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Users) == 0 {
		return nil, fmt.Errorf("%s: no users listed", path)
	}
	return f.Users, nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input on stdin")
	}
	return line, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
