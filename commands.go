package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace/noop"

	"dumende-payments/challenge"
	"dumende-payments/config"
	"dumende-payments/poller"
	"dumende-payments/service"
)

func statusCmd() *cobra.Command {
	var authorization string

	cmd := &cobra.Command{
		Use:   "status <bookingId>",
		Short: "Reconcile a booking's payment status once",
		Long: `Runs one reconciliation against the booking backend, without the
grace delay, and prints every poll transition followed by the result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			client := service.NewBackendClient(noop.NewTracerProvider().Tracer("cli"), cfg.BackendURL, cfg.BackendTimeout)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = service.WithAuthorization(ctx, authorization)

			out := cmd.OutOrStdout()
			final := poller.New(client, pollConfig(cfg)).Run(ctx, args[0], true, func(u poller.Update) {
				if u.State == poller.StatePolling && u.Attempt > 0 {
					fmt.Fprintf(out, "attempt %d/%d: %s\n", u.Attempt, u.MaxRetries, valueOr(string(u.LastStatus), "no answer"))
				}
			})

			fmt.Fprintf(out, "result:  %s\n", final.State)
			if final.Unknown {
				fmt.Fprintln(out, "status:  unknown, check manually")
			}
			if final.Message != "" {
				fmt.Fprintf(out, "message: %s\n", final.Message)
			}
			if s := final.Status; s != nil {
				fmt.Fprintf(out, "payment: %s, paid %s of %s, remaining %s\n",
					s.PaymentStatus, s.PaidAmount.StringFixed(2), s.TotalAmount.StringFixed(2), s.RemainingAmount.StringFixed(2))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&authorization, "authorization", "", "Authorization header value for backend calls")
	return cmd
}

func decodeChallengeCmd() *cobra.Command {
	var paymentID string

	cmd := &cobra.Command{
		Use:   "decode-challenge <file>",
		Short: "Decode a base64 3DS challenge and show it with return fields injected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read challenge: %w", err)
			}

			markup, err := challenge.Decode(string(raw))
			if err != nil {
				return err
			}

			injected, forms, err := challenge.InjectReturnFields(markup, paymentID)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "injection failed, showing decoded markup: %v\n", err)
				injected = markup
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "%d bytes, %d form(s) updated\n", len(markup), forms)
			_, err = cmd.OutOrStdout().Write(injected)
			return err
		},
	}

	cmd.Flags().StringVar(&paymentID, "payment-id", "preview", "paymentId value to inject")
	return cmd
}

func valueOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
