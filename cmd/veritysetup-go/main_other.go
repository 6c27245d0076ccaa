//go:build !linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func unsupported(use string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "Not available on this platform (requires the Linux device-mapper ioctl interface)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("%s: device-mapper activation is only supported on linux", cmd.Name())
		},
	}
}

func openCmd() *cobra.Command   { return unsupported("open") }
func closeCmd() *cobra.Command  { return unsupported("close") }
func statusCmd() *cobra.Command { return unsupported("status") }
