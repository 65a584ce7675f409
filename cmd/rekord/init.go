package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmp/rekord/internal/rekord"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repository, err := resolveRepository()
		if err != nil {
			return err
		}

		fullPwd, err := promptNewPassword("Full (read+write) password: ")
		if err != nil {
			return err
		}
		writePwd, err := promptNewPassword("Write-only password: ")
		if err != nil {
			return err
		}

		store, err := openStore(repository)
		if err != nil {
			return err
		}

		res, err := rekord.Init(context.Background(), store, fullPwd, writePwd)
		if err != nil {
			return err
		}

		fmt.Printf("Initialized repository %s (id %x)\n", repository, res.Identity.RepoID)
		return nil
	},
}
