package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tuncanbit/cpg/internal/application/routing"
	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/pkg/config"
)

type sampleFlags struct {
	amount   string
	currency string
	crypto   string
	country  string
	method   string
	offline  bool
}

func routesCmd(v *viper.Viper) *cobra.Command {
	var flags sampleFlags

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the route catalog with scores for a sample payment",
		Long: `Print the validated route catalog and score every route against a
sample payment.

Examples:
  cpg routes --amount 250 --currency AUD --country AU
  cpg routes --offline --crypto BTC`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}

			store, closeStore, err := openStore(cmd, cfg, flags.offline, log)
			if err != nil {
				return err
			}
			defer closeStore()

			payment, err := flags.payment(cfg)
			if err != nil {
				return err
			}
			return printRoutes(cmd, cmd.OutOrStdout(), cfg, store, payment, log)
		},
	}

	cmd.Flags().StringVar(&flags.amount, "amount", "100", "sample payment amount")
	cmd.Flags().StringVar(&flags.currency, "currency", "AUD", "sample payment fiat currency")
	cmd.Flags().StringVar(&flags.crypto, "crypto", "", "sample payment crypto currency (defaults to processor default)")
	cmd.Flags().StringVar(&flags.country, "country", "", "customer country (defaults to routing fallback)")
	cmd.Flags().StringVar(&flags.method, "payment-method", "", "preferred payment method")
	cmd.Flags().BoolVar(&flags.offline, "offline", false, "score against an in-process store instead of Redis")

	return cmd
}

func (f sampleFlags) payment(cfg *config.Config) (*domain.Payment, error) {
	amount, err := decimal.NewFromString(f.amount)
	if err != nil {
		return nil, fmt.Errorf("invalid --amount %q: %w", f.amount, err)
	}
	crypto := strings.ToUpper(f.crypto)
	if crypto == "" {
		crypto = cfg.Processor.DefaultCryptoCurrency
	}
	country := strings.ToUpper(f.country)
	if country == "" {
		country = cfg.Routing.FallbackCountry
	}

	p := &domain.Payment{
		ID:             "sample",
		Amount:         amount,
		Currency:       domain.FiatCurrency(strings.ToUpper(f.currency)),
		CryptoCurrency: crypto,
		Status:         domain.PaymentStatusCreated,
		Metadata:       map[string]any{domain.MetadataCountry: country},
	}
	if f.method != "" {
		p.Metadata[domain.MetadataPaymentMethod] = f.method
	}
	return p, nil
}

// openStore connects to the configured Redis, or to an in-process instance
// with empty metrics when offline.
func openStore(cmd *cobra.Command, cfg *config.Config, offline bool, logger zerolog.Logger) (cache.Store, func(), error) {
	if !offline {
		store, err := cache.Connect(cmd.Context(), cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start in-process store: %w", err)
	}
	store := cache.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	return store, func() {
		store.Close()
		mr.Close()
	}, nil
}

func printRoutes(cmd *cobra.Command, out io.Writer, cfg *config.Config, store cache.Store, payment *domain.Payment, logger zerolog.Logger) error {
	ctx := cmd.Context()

	catalog, err := routing.NewCatalog(cfg.Routes)
	if err != nil {
		return fmt.Errorf("failed to build route catalog: %w", err)
	}
	registry := routing.NewRegistry(catalog, store, cfg.Routing, logger)
	evaluator := routing.NewEvaluator(registry, cfg.Routing)

	eligible, err := registry.GetRoutesForCriteria(ctx, routing.Criteria{
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Country:       payment.MetadataString(domain.MetadataCountry),
		PaymentMethod: payment.MetadataString(domain.MetadataPaymentMethod),
	})
	if err != nil {
		return err
	}
	eligibleIDs := make(map[string]bool, len(eligible))
	for _, r := range eligible {
		eligibleIDs[r.ID] = true
	}

	fmt.Fprintf(out, "Sample payment: %s %s -> %s (country %s)\n\n",
		payment.Amount, payment.Currency, payment.CryptoCurrency, payment.MetadataString(domain.MetadataCountry))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROUTE\tTYPE\tPRIORITY\tACTIVE\tLIMITS\tFEE\tELIGIBLE\tSCORE")
	for _, route := range registry.AllRoutes() {
		score := "-"
		if eligibleIDs[route.ID] && route.SupportsCrypto(payment.CryptoCurrency) {
			s, err := evaluator.ScoreRoute(ctx, route, payment)
			if err != nil {
				return err
			}
			score = fmt.Sprintf("%.1f", s)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%.2f-%.2f\t%.2f%% + %.2f %s\t%t\t%s\n",
			route.ID, route.Type, route.Priority, route.Active,
			route.Limits.MinAmount, route.Limits.MaxAmount,
			route.Fees.Percentage, route.Fees.Fixed, route.Fees.Currency,
			eligibleIDs[route.ID], score)
	}
	return w.Flush()
}
