package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize this client and manage stored tokens",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "url",
			Short: "Print the browser authorization URL",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(rc, appOptions{}, func(ctx context.Context, a *app) error {
					fmt.Println(a.tokens.AuthorizationURL(randomState()))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "login <code-or-redirect-url>",
			Short: "Exchange an authorization code for tokens",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(rc, appOptions{}, func(ctx context.Context, a *app) error {
					cred, err := a.tokens.Authenticate(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(map[string]any{
						"expiresAt":  cred.ExpiresAt,
						"customerId": cred.CustomerID,
					})
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether a valid token is stored",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(rc, appOptions{}, func(ctx context.Context, a *app) error {
					cur := a.tokens.Current()
					return printJSON(map[string]any{
						"tokenValid": a.tokens.IsTokenValid(),
						"hasRefresh": cur.RefreshToken != "",
						"expiresAt":  cur.ExpiresAt,
						"customerId": cur.CustomerID,
					})
				})
			},
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Forget the stored tokens",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(rc, appOptions{}, func(ctx context.Context, a *app) error {
					return a.tokens.ClearTokens()
				})
			},
		},
	)
	return cmd
}

func randomState() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
