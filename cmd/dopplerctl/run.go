package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamer-doppler/doppler"
	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/pipeline"
)

func newRunCmd() *cobra.Command {
	var maxTokens int
	var temperature float64
	var topK int
	var topP float64

	cmd := &cobra.Command{
		Use:   "run MODEL PROMPT",
		Short: "Load a model and stream a completion for PROMPT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHandler(cmd, args[0], args[1], maxTokens, temperature, topK, topP)
		},
	}
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 256, "maximum number of tokens to generate")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.8, "sampling temperature (0 selects greedy decoding)")
	cmd.Flags().IntVar(&topK, "top-k", 40, "top-k candidate cutoff")
	cmd.Flags().Float64Var(&topP, "top-p", 0.95, "nucleus sampling cutoff")
	return cmd
}

func runHandler(cmd *cobra.Command, modelID, prompt string, maxTokens int, temperature float64, topK int, topP float64) error {
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

	if _, err := eng.InitDevice(); err != nil {
		return err
	}

	p, err := eng.LoadModel(cmd.Context(), modelID, doppler.LoadOptions{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	stream, err := p.Generate(ctx, prompt, pipeline.GenerateOptions{
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopK:        topK,
		TopP:        topP,
	})
	if err != nil {
		return err
	}

	tok := p.Tokenizer()
	out := cmd.OutOrStdout()
	for t := range stream {
		if t.Err != nil {
			return t.Err
		}
		text, err := tok.Decode([]int32{t.ID})
		if err != nil {
			return err
		}
		fmt.Fprint(out, text)
	}
	fmt.Fprintln(out)
	return nil
}
