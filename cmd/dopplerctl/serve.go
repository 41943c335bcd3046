package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dreamer-doppler/doppler"
	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/httpapi"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP facade over the local model store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveHandler(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:11438", "address to listen on")
	return cmd
}

func serveHandler(cmd *cobra.Command, addr string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	cp, err := openCheckpoint()
	if err != nil {
		return err
	}
	defer cp.Close()

	eng := doppler.New(st, cp, device.CPUProbe{}, 0)
	defer eng.Close()

	srv := httpapi.New(eng)
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
	return http.ListenAndServe(addr, srv.Router())
}
