package cli

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/meter"
	"github.com/ineyio/tokenmeter/policy"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		model     string
		system    string
		maxTokens int
		cheapest  bool
	)
	cmd := &cobra.Command{
		Use:   "chat ACCOUNT PROMPT...",
		Short: "Send a metered chat request and stream the reply",
		Long: `Reserve tokens on ACCOUNT, stream a completion from the configured upstreams
and settle the actual usage. Requires --config with at least one upstream.

Example:
  meterctl --config tokenmeter.yaml --dsn $DSN chat user-42 "Explain RFC 6979 briefly"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := contextOf(cmd)

			cfg, err := a.config()
			if err != nil {
				return err
			}
			providers, err := buildProviders(cfg)
			if err != nil {
				return err
			}
			l, err := a.openLedger(ctx)
			if err != nil {
				return err
			}

			var order tokenmeter.Policy
			if cheapest {
				order = &policy.CostFirstPolicy{}
			}
			r, err := tokenmeter.NewRouter(cfg, l, providers,
				tokenmeter.WithPolicy(&policy.HealthyFirstPolicy{Next: order}),
				tokenmeter.WithMeter(meter.NewLogMeter(a.logger)),
				tokenmeter.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}

			req := tokenmeter.Request{
				Identity: tokenmeter.Identity{AccountID: args[0], Entitled: true},
				Model:    model,
				Messages: []tokenmeter.Message{{Role: "user", Content: strings.Join(args[1:], " ")}},
			}
			if system != "" {
				req.Messages = append([]tokenmeter.Message{{Role: "system", Content: system}}, req.Messages...)
			}
			if maxTokens > 0 {
				req.MaxTokens = tokenmeter.IntPtr(maxTokens)
			}

			s, err := r.MeterAndStream(ctx, req)
			if err != nil {
				return err
			}
			defer s.Close()

			for {
				chunk, err := s.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					a.printf("\n")
					return err
				}
				a.printf("%s", chunk.Content)
			}
			a.printf("\n")

			if err := s.Close(); err != nil {
				return err
			}
			if out, ok := s.Outcome(); ok {
				a.logger.Info("charged",
					"account", out.AccountID,
					"provider", out.Provider,
					"model", out.Model,
					"estimated", out.Estimated,
					"charged", out.Charged,
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model or alias (config default_model when empty)")
	cmd.Flags().StringVar(&system, "system", "", "system message")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "completion limit; also bounds the reservation")
	cmd.Flags().BoolVar(&cheapest, "cheapest", false, "try the cheapest upstream first instead of config order")
	return cmd
}
