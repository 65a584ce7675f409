package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mmp/rekord/internal/blobstore"
)

var rootCmd = &cobra.Command{
	Use:           "rekord",
	Short:         "Content-addressed, encrypted, deduplicating backup repository",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagRepository    string
	flagPassword      string
	flagThreads       int
	flagVerbose       bool
	flagUploadLimit   int
	flagDownloadLimit int
)

func init() {
	viper.BindEnv("repository", "REPOSITORY")
	viper.BindEnv("password", "PASSWORD")

	rootCmd.PersistentFlags().StringVarP(&flagRepository, "repository", "R", "", "repository directory or s3://bucket/prefix URL")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", "", "repository password")
	rootCmd.PersistentFlags().IntVar(&flagThreads, "threads", 0, "worker pool size (0 = default)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().IntVar(&flagUploadLimit, "upload-bytes-per-sec", 0, "cap upload bandwidth to the backend (0 = unlimited)")
	rootCmd.PersistentFlags().IntVar(&flagDownloadLimit, "download-bytes-per-sec", 0, "cap download bandwidth from the backend (0 = unlimited)")

	rootCmd.AddCommand(initCmd, putCmd, getCmd, listCmd, fsckCmd)
}

// resolveRepository applies the REPOSITORY environment variable when no
// -R/--repository flag was given, matching the original CLI's FillRepository.
func resolveRepository() (string, error) {
	if flagRepository != "" {
		return flagRepository, nil
	}
	if v := viper.GetString("repository"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("missing repository directory; pass -R/--repository or set REPOSITORY")
}

// resolvePassword applies the PASSWORD environment variable when no
// --password flag was given.
func resolvePassword() (string, error) {
	if flagPassword != "" {
		return flagPassword, nil
	}
	if v := viper.GetString("password"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("missing password; pass --password or set PASSWORD")
}

// openStore builds a blobstore.Store for a repository path: an s3:// URL
// selects the S3-compatible backend, anything else is a local directory.
// When --upload-bytes-per-sec or --download-bytes-per-sec is set, the
// result is wrapped with a bandwidth cap before being handed to callers.
func openStore(repository string) (blobstore.Store, error) {
	var (
		store blobstore.Store
		err   error
	)
	if looksLikeS3URL(repository) {
		store, err = openS3Store(repository)
	} else {
		var posix *blobstore.POSIX
		posix, err = blobstore.NewPOSIX(repository)
		if err == nil {
			store = blobstore.NewRetrying(posix)
		}
	}
	if err != nil {
		return nil, err
	}
	if flagUploadLimit > 0 || flagDownloadLimit > 0 {
		store = blobstore.NewRateLimited(store, flagUploadLimit, flagDownloadLimit)
	}
	return store, nil
}

func looksLikeS3URL(repository string) bool {
	return len(repository) > 5 && repository[:5] == "s3://"
}
