package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmp/rekord/internal/rekord"
	"github.com/mmp/rekord/internal/rlog"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Verify every object reachable from a tag authenticates and decodes",
	Args:  cobra.NoArgs,
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
			Log: rlog.New(flagVerbose, false),
		})
		if err != nil {
			return err
		}
		defer repo.Close()

		res, err := repo.Fsck(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("checked %d objects\n", res.ObjectsVisited)
		for _, e := range res.Errors {
			fmt.Println(e)
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("fsck found %d error(s)", len(res.Errors))
		}
		return nil
	},
}
