package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// The individual subcommands keep parsing their own arguments with the
// stdlib flag package (parseFormatArgs, parseVerifyArgs, ...); cobra only
// supplies the command tree, usage text, and top-level dispatch, mirroring
// how dupedog's cmd/dupedog/main.go layers cobra over its subcommand
// packages rather than reimplementing flag handling.
func main() {
	log.SetFlags(0)

	root := &cobra.Command{
		Use:           "veritysetup-go",
		Short:         "Format, verify, and activate dm-verity integrity-protected devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		formatCmd(),
		verifyCmd(),
		openCmd(),
		closeCmd(),
		statusCmd(),
		dumpCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func formatCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "format [options] <data_path> <hash_path>",
		Short:              "Create a verity hash tree over a data device",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, dataPath, hashPath, err := parseFormatArgs(args)
			if err != nil {
				return err
			}
			return runFormat(p, dataPath, hashPath)
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "verify [options] <data_path> <hash_path> <root_hex>",
		Short:              "Verify a data device against its hash tree in userspace",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, dataPath, hashPath, rootDigest, err := parseVerifyArgs(args)
			if err != nil {
				return err
			}
			return runVerify(p, dataPath, hashPath, rootDigest)
		},
	}
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "dump <hash_device>",
		Short:              "Print the on-disk superblock and tree geometry for a hash device",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			hashPath, err := parseDumpArgs(args)
			if err != nil {
				return err
			}
			return runDump(hashPath)
		},
	}
}
