package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmp/rekord/internal/get"
	"github.com/mmp/rekord/internal/objects"
	"github.com/mmp/rekord/internal/rekord"
	"github.com/mmp/rekord/internal/rlog"
)

var (
	getOutput string
	getFlat   bool
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Restore a snapshot (or bare root) to a local path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if getOutput == "" {
			return fmt.Errorf("missing -O/--output")
		}

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
			Log: rlog.New(flagVerbose, false),
		})
		if err != nil {
			return err
		}
		defer repo.Close()

		id, err := resolveID(context.Background(), repo, args[0])
		if err != nil {
			return err
		}

		res, err := repo.Get(context.Background(), id, getOutput, get.Options{
			Flat:    getFlat,
			Threads: flagThreads,
		})
		if err != nil {
			return err
		}

		fmt.Printf("restored %d files (%s)\n", res.FilesWritten, rlog.FmtBytes(res.LogicalSize))
		return nil
	},
}

func init() {
	getCmd.Flags().StringVarP(&getOutput, "output", "O", "", "restore file or directory to path")
	getCmd.Flags().BoolVar(&getFlat, "flat", false, "use flat names for snapshot files")
}

// resolveID accepts either a full 64-character hex ID or a unique prefix
// resolved against the repository's tagged snapshots, per spec.md §6.
func resolveID(ctx context.Context, repo *rekord.Repo, s string) (objects.ID, error) {
	if len(s) == objects.IDSize*2 {
		return objects.ParseID(s)
	}
	return repo.ResolveSnapshot(ctx, s)
}
