//go:build linux

package main

import "github.com/spf13/cobra"

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "open [options] <data_device> <name> <hash_device> <root_hash>",
		Short:              "Activate a dm-verity mapping for a device",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, dataDev, name, hashDev, rootDigest, flags, err := parseOpenArgs(args)
			if err != nil {
				return err
			}
			return runOpen(p, dataDev, name, hashDev, rootDigest, flags)
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "close <name>",
		Short:              "Deactivate a dm-verity mapping",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseCloseArgs(args)
			if err != nil {
				return err
			}
			return runClose(name)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "status <name>",
		Short:              "Report the activation state of a dm-verity mapping",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseStatusArgs(args)
			if err != nil {
				return err
			}
			return runStatus(name)
		},
	}
}
