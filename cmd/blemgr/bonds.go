package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blemgr/pkg/bondstore"
)

// bondsCmd groups the bond store maintenance commands
var bondsCmd = &cobra.Command{
	Use:   "bonds",
	Short: "Inspect and maintain a bond store file",
	Long: `Inspect and maintain the YAML bond store written by the manager.

Items are addressed as group:sub in hex, as printed by 'bonds list'.`,
}

var bondsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored bonds",
	Args:  cobra.NoArgs,
	RunE:  runBondsList,
}

var bondsRemoveCmd = &cobra.Command{
	Use:   "remove [item-id...]",
	Short: "Remove stored bonds",
	Long: `Remove the given bond items, or every bond with --all.

Removed items keep occupying a slot until the store is compacted.`,
	RunE: runBondsRemove,
}

var bondsCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim slots held by removed and overwritten bonds",
	Args:  cobra.NoArgs,
	RunE:  runBondsCompact,
}

var (
	bondsStore     string
	bondsRemoveAll bool
)

func init() {
	bondsCmd.PersistentFlags().StringVarP(&bondsStore, "store", "s", "", "Bond store file (default: bond_store.path from the config)")
	bondsRemoveCmd.Flags().BoolVar(&bondsRemoveAll, "all", false, "Remove every stored bond")

	bondsCmd.AddCommand(bondsListCmd)
	bondsCmd.AddCommand(bondsRemoveCmd)
	bondsCmd.AddCommand(bondsCompactCmd)
}

func openBondsStore(cmd *cobra.Command) (*bondstore.FileStore, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	path := bondsStore
	if path == "" {
		path = cfg.BondStore.Path
	}
	if path == "" {
		return nil, ErrNoBondStore
	}
	return bondstore.OpenFileStore(path, cfg.BondStore.Capacity)
}

func runBondsList(cmd *cobra.Command, _ []string) error {
	store, err := openBondsStore(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ids, err := store.List(bondstore.GroupBonding)
	if err != nil {
		return err
	}
	entries := make([]bondEntry, 0, len(ids))
	for _, id := range ids {
		rec, err := store.Read(id)
		if err != nil {
			return err
		}
		entries = append(entries, bondEntry{id: id, rec: rec})
	}
	return displayBonds(cmd.OutOrStdout(), entries, store.Usage())
}

func runBondsRemove(cmd *cobra.Command, args []string) error {
	if bondsRemoveAll == (len(args) > 0) {
		return errors.New("give item ids or --all, not both")
	}
	ids := make([]bondstore.ItemID, 0, len(args))
	for _, a := range args {
		id, err := parseItemID(a)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	store, err := openBondsStore(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	if bondsRemoveAll {
		if ids, err = store.List(bondstore.GroupBonding); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	for _, id := range ids {
		if err := store.Delete(id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %s\n", id)
	}
	fmt.Fprintln(out, usageLine(store.Usage()))
	return nil
}

func runBondsCompact(cmd *cobra.Command, _ []string) error {
	store, err := openBondsStore(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	before := store.Usage()
	if err := store.Compact(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reclaimed %d slots\n", before.Garbage)
	fmt.Fprintln(out, usageLine(store.Usage()))
	return nil
}

// parseItemID parses the group:sub form printed by ItemID.String.
func parseItemID(s string) (bondstore.ItemID, error) {
	group, sub, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid item id %q: expected group:sub in hex", s)
	}
	g, err := strconv.ParseUint(group, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid item id %q: %w", s, err)
	}
	n, err := strconv.ParseUint(sub, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid item id %q: %w", s, err)
	}
	return bondstore.MakeItemID(uint8(g), uint8(n)), nil
}
