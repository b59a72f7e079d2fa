package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
	"github.com/bryanwahyu/deeptm/internal/infra/protocol"
	"github.com/bryanwahyu/deeptm/internal/middleware"
)

var errIncomplete = errors.New("analysis did not complete")

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var protocolName string

	cmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyze a system description and write the event stream to stdout",
		Long: "Reads the architecture description from file, or stdin when file is omitted or \"-\", " +
			"runs the full pipeline and prints every event in the chosen stream protocol.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := opts.load()
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}
			defer func() { _ = log.Sync() }()

			var input []byte
			if len(args) == 1 && args[0] != "-" {
				input, err = os.ReadFile(args[0])
			} else {
				input, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			req, err := middleware.ValidateAnalysisRequest(threatmodel.AnalysisRequest{UserInput: string(input)}, cfg.Server.MaxInputChars)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			name := protocolName
			if name == "" {
				name = cfg.Server.Protocol
			}
			adapter := protocol.ByName(name)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			out := bufio.NewWriter(cmd.OutOrStdout())
			completed, err := protocol.Pump(out, out.Flush, adapter, a.orch.Stream(runCtx, req), cancel)
			// report masih disimpan setelah stream ditutup
			_ = a.orch.Wait(context.Background())
			if err != nil {
				return err
			}
			if !completed {
				return errIncomplete
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&protocolName, "protocol", "p", "", "stream protocol: sse or data (default server.protocol)")
	return cmd
}
