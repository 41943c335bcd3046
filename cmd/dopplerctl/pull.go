package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamer-doppler/doppler"
	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/downloader"
	"github.com/dreamer-doppler/doppler/envconfig"
)

func newPullCmd() *cobra.Command {
	var modelID string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "pull BASEURL",
		Short: "Download a model's manifest and shards into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pullHandler(cmd, args[0], modelID, concurrency)
		},
	}
	cmd.Flags().StringVar(&modelID, "model-id", "", "override the model id derived from the base URL")
	cmd.Flags().IntVar(&concurrency, "concurrency", envconfig.DownloadConcurrency(), "maximum in-flight shard fetches")
	return cmd
}

func pullHandler(cmd *cobra.Command, baseURL, modelID string, concurrency int) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	cp, err := openCheckpoint()
	if err != nil {
		return err
	}
	defer cp.Close()

	eng := doppler.New(st, cp, device.CPUProbe{}, concurrency)

	lastShard := -1
	id, err := eng.DownloadModel(cmd.Context(), baseURL, modelID, func(p downloader.Progress) {
		if p.CompletedShards != lastShard {
			lastShard = p.CompletedShards
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d shards (%s)\n", p.ModelID, p.CompletedShards, p.TotalShards, p.Status)
		}
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pulled %s\n", id)
	return nil
}
