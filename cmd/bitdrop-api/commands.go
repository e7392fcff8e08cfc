package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/auth"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/config"
)

func newIssueTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint an operator JWT",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokenSubject := strings.TrimSpace(subject)
			if tokenSubject == "" {
				tokenSubject = appConfig.OperatorID
			}
			tokenManager, err := newTokenManager(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := tokenManager.IssueOperatorToken(cmd.Context(), tokenSubject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "subject=%s expires_in=%s\n", tokenSubject, time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (defaults to operator.id)")
	return cmd
}

func newDeriveAddressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "derive-address <path>",
		Short: "Print the funding address and public key for a derivation path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			deriver, err := newAddressDeriver(appConfig)
			if err != nil {
				return err
			}
			funding, err := deriver.Funding(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address=%s\npublic_key=%s\n", funding.Address, funding.PublicKeyHex)
			return nil
		},
	}
}

func newTokenManager(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}
