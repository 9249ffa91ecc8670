package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/goliatone/go-multibank/core"
	"github.com/spf13/cobra"
)

func migrateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the multibank schema to the configured database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", opts.driver)
			return nil
		},
	}
}

func identityCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the requesting identity",
	}

	var identity core.RequestingIdentity
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the client credentials this deployment presents to institutions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := identity.Validate(); err != nil {
				return err
			}
			rt, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.repository.SaveRequestingIdentity(cmd.Context(), identity); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity %s saved\n", identity.ClientID)
			return nil
		},
	}
	set.Flags().StringVar(&identity.Name, "name", "", "display name")
	set.Flags().StringVar(&identity.ClientID, "client-id", "", "client id issued by the institutions")
	set.Flags().StringVar(&identity.ClientSecret, "client-secret", "", "client secret issued by the institutions")

	cmd.AddCommand(set)
	return cmd
}

func institutionCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "institution",
		Short: "Manage target institutions",
	}

	var institution core.TargetInstitution
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or update a target institution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(institution.ID) == "" {
				institution.ID = strings.ToLower(strings.TrimSpace(institution.Code))
			}
			if institution.ID == "" || strings.TrimSpace(institution.APIBaseURL) == "" {
				return fmt.Errorf("--code and --api-base-url are required")
			}
			if strings.TrimSpace(institution.AuthEndpoint) == "" {
				institution.AuthEndpoint = institution.Endpoint("/auth/bank-token")
			}
			rt, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.repository.SaveTargetInstitution(cmd.Context(), institution); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "institution %s saved\n", institution.ID)
			return nil
		},
	}
	add.Flags().StringVar(&institution.ID, "id", "", "institution id (defaults to the code)")
	add.Flags().StringVar(&institution.Name, "name", "", "display name")
	add.Flags().StringVar(&institution.Code, "code", "", "institution code used to pick the normalizer")
	add.Flags().StringVar(&institution.APIBaseURL, "api-base-url", "", "base URL of the institution API")
	add.Flags().StringVar(&institution.AuthEndpoint, "auth-endpoint", "", "token endpoint (defaults to <api-base-url>/auth/bank-token)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List target institutions and their token state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			institutions, err := rt.repository.ListTargetInstitutions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCODE\tAPI\tTOKEN EXPIRES")
			for _, inst := range institutions {
				expires := "-"
				if inst.TokenExpiresAt != nil {
					expires = inst.TokenExpiresAt.UTC().Format("2006-01-02T15:04:05Z")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.ID, inst.Code, inst.APIBaseURL, expires)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func consentCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Request and inspect consents",
	}

	var clientID string
	request := &cobra.Command{
		Use:   "request [user-id] [institution-id]",
		Short: "Open a consent request for a user at an institution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			result, err := rt.service.RequestConsent(cmd.Context(), core.RequestConsentRequest{
				UserID:                args[0],
				InstitutionID:         args[1],
				ClientIDAtInstitution: clientID,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"consent_id":   result.ConsentID,
				"approval_url": result.ApprovalURL,
				"status":       result.Grant.Status,
				"expires_at":   result.Grant.ExpiresAt,
			})
		},
	}
	request.Flags().StringVar(&clientID, "client-id", "", "client id of the user at the institution (defaults to user_<user-id>)")

	status := &cobra.Command{
		Use:   "status [institution-id] [consent-id] [status]",
		Short: "Record a consent decision reported by an institution",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := core.ParseConsentStatus(args[2])
			if err != nil {
				return err
			}
			rt, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			grant, err := rt.service.UpdateConsentStatus(cmd.Context(), core.ConsentStatusUpdate{
				InstitutionID: args[0],
				ConsentID:     args[1],
				Status:        next,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "consent %s is %s\n", grant.ConsentID, grant.Status)
			return nil
		},
	}

	cmd.AddCommand(request, status)
	return cmd
}

func aggregateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate [user-id]",
		Short: "Collect accounts for a user across every institution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			result, err := rt.service.Aggregate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, result)
		},
	}
}

func refreshTokensCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-tokens",
		Short: "Force a token exchange with every institution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			refreshed, err := rt.service.ForceRefreshAllTokens(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d\n", refreshed)
			return err
		},
	}
}

func expireConsentsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire-consents",
		Short: "Persist EXPIRED for consents whose window has elapsed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openService(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			expired, err := rt.service.ExpireStaleConsents(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d\n", expired)
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
