package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var sartCmd = &cobra.Command{
	Use:   "sart",
	Short: "Inspect the SART allow list",
	Long: `Inspect the DMA allow list built from the sart section of the config.
Coprocessor-owned buffers must fall inside one of these entries. With no
entries configured the whole arena is allowed.`,
}

var sartListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured SART entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		arena, err := openArena(cfg.Arena)
		if err != nil {
			return err
		}
		defer arena.Close()
		f, err := buildFilter(cfg.SART, arena, logger)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(f.Entries()))
		return nil
	},
}

var sartCheckCmd = &cobra.Command{
	Use:   "check <addr> <size>",
	Short: "Check whether a range would be accepted from the coprocessor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", args[0], err)
		}
		size, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[1], err)
		}
		arena, err := openArena(cfg.Arena)
		if err != nil {
			return err
		}
		defer arena.Close()
		f, err := buildFilter(cfg.SART, arena, logger)
		if err != nil {
			return err
		}
		if err := f.Verify(addr, size); err != nil {
			return fmt.Errorf("range 0x%x+0x%x rejected: %w", addr, size, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "range 0x%x+0x%x allowed\n", addr, size)
		return nil
	},
}

func init() {
	sartCmd.AddCommand(sartListCmd)
	sartCmd.AddCommand(sartCheckCmd)
	rootCmd.AddCommand(sartCmd)
}
