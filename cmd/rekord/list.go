package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmp/rekord/internal/rekord"
	"github.com/mmp/rekord/internal/rlog"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshot IDs known to the repository",
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

		ids, err := repo.List(context.Background())
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}
