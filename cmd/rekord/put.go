package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmp/rekord/internal/put"
	"github.com/mmp/rekord/internal/rekord"
	"github.com/mmp/rekord/internal/rlog"
)

var (
	putName           string
	putFollowSymlinks bool
	putRaw            bool
	putIndexCache     string
)

var putCmd = &cobra.Command{
	Use:   "put <path>...",
	Short: "Back up one or more filesystem paths as a new snapshot",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repository, err := resolveRepository()
		if err != nil {
			return err
		}
		password, err := promptNewPassword("Repository password: ")
		if err != nil {
			return err
		}

		store, err := openStore(repository)
		if err != nil {
			return err
		}

		repo, err := rekord.Open(context.Background(), store, password, rekord.OpenOptions{
			IndexCachePath: putIndexCache,
			Log:            rlog.New(flagVerbose, false),
		})
		if err != nil {
			return err
		}
		defer repo.Close()

		res, err := repo.Put(context.Background(), args, put.Options{
			Name:           putName,
			FollowSymlinks: putFollowSymlinks,
			Raw:            putRaw,
			Threads:        flagThreads,
		})
		if err != nil {
			return err
		}

		if putRaw {
			fmt.Printf("%s (logical %s, stored %s)\n", res.RootID, rlog.FmtBytes(res.LogicalSize), rlog.FmtBytes(res.StoredSize))
		} else {
			fmt.Printf("%s (logical %s, stored %s)\n", res.SnapshotID, rlog.FmtBytes(res.LogicalSize), rlog.FmtBytes(res.StoredSize))
		}
		return nil
	},
}

func init() {
	putCmd.Flags().StringVarP(&putName, "name", "n", "", "user friendly snapshot name")
	putCmd.Flags().BoolVar(&putFollowSymlinks, "follow_symlinks", false, "follow symbolic links instead of storing them as-is")
	putCmd.Flags().BoolVar(&putRaw, "raw", false, "store the root without wrapping it in a snapshot object")
	putCmd.Flags().StringVar(&putIndexCache, "index-cache", "", "path to a local index cache file")
}
