package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"paymentswitch/internal/config"
	"paymentswitch/internal/connector"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/routing"
)

// checkConfigCmd validates a merchant file offline and shows how a sample
// intent would be routed for every merchant in it.
func checkConfigCmd() *cobra.Command {
	var (
		path       string
		amount     int64
		currency   string
		method     string
		methodType string
		profile    string
	)

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate merchant routing configuration and print candidate orderings",
		RunE: func(cmd *cobra.Command, args []string) error {
			merchants, err := config.LoadMerchants(path)
			if err != nil {
				return err
			}

			registry := connector.NewRegistry(connector.NewEnvSecretResolver(), adapters()...)
			if _, err := registry.Load(merchants); err != nil {
				return err
			}
			engine := routing.NewEngine(registry)

			out := cmd.OutOrStdout()
			for i := range merchants {
				m := &merchants[i]
				intent := &domain.PaymentIntent{
					ID:                "pi_check_config",
					MerchantID:        m.MerchantID,
					BusinessProfile:   profile,
					Amount:            amount,
					Currency:          strings.ToUpper(currency),
					CaptureMethod:     domain.CaptureAutomatic,
					PaymentMethod:     method,
					PaymentMethodType: methodType,
				}
				decision, err := engine.Route(routing.Input{
					Intent:   intent,
					Accounts: m.AccountsFor(profile),
					Config:   m.RoutingFor(profile),
				})
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", m.MerchantID, err)
					continue
				}
				fmt.Fprintf(out, "%s: algorithm=%s", m.MerchantID, decision.Algorithm)
				if decision.Rule != "" {
					fmt.Fprintf(out, " rule=%s", decision.Rule)
				}
				fmt.Fprintf(out, " candidates=[%s]\n", strings.Join(decision.CandidateIDs(), ", "))
				for id, reason := range decision.Excluded {
					fmt.Fprintf(out, "  excluded %s: %s\n", id, reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "config/merchants.yaml", "Merchant configuration file")
	cmd.Flags().Int64Var(&amount, "amount", 1000, "Sample intent amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "EUR", "Sample intent currency")
	cmd.Flags().StringVar(&method, "payment-method", "card", "Sample intent payment method")
	cmd.Flags().StringVar(&methodType, "payment-method-type", "credit", "Sample intent payment method type")
	cmd.Flags().StringVar(&profile, "profile", "", "Business profile")

	return cmd
}
