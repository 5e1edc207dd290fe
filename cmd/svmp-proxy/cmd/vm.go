package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/svmp/svmp-proxy/internal/service"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Inspect the VM provider catalog",
}

var vmImagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List images offered by the VM provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserService(cmd.Context(), func(svc *service.UserService) error {
			images, err := svc.ListImages(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME")
			for _, img := range images {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", img.ID, img.Name)
			}
			return w.Flush()
		})
	},
}

var vmFlavorsCmd = &cobra.Command{
	Use:   "flavors",
	Short: "List flavors offered by the VM provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserService(cmd.Context(), func(svc *service.UserService) error {
			flavors, err := svc.ListFlavors(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tMEMORY\tVCPUS")
			for _, f := range flavors {
				mem := "-"
				if f.MemoryMB > 0 {
					mem = fmt.Sprintf("%dMB", f.MemoryMB)
				}
				vcpus := "-"
				if f.VCPUs > 0 {
					vcpus = fmt.Sprint(f.VCPUs)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.ID, f.Name, mem, vcpus)
			}
			return w.Flush()
		})
	},
}

func init() {
	vmCmd.AddCommand(vmImagesCmd, vmFlavorsCmd)
	rootCmd.AddCommand(vmCmd)
}
