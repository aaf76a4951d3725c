package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"tikfetch/pkg/auth"
	"tikfetch/pkg/logger"
	"tikfetch/pkg/ui"
)

var (
	authSessionID string
	authMSToken   string
	authUserAgent string
	authForce     bool
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored session profiles",
	Long: `Manage the provider session cookies tikfetch sends with extraction
requests. Profiles are stored in the system keychain when available and in
an encrypted file otherwise. TIKFETCH_SESSION_ID in the environment takes
precedence over stored profiles.`,
}

var authSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store or update a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthSet,
}

var authShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List stored profiles with masked values",
	Args:  cobra.NoArgs,
	RunE:  runAuthShow,
}

var authDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthDelete,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authShowCmd)
	authCmd.AddCommand(authDeleteCmd)

	authSetCmd.Flags().StringVar(&authSessionID, "session-id", "", "sessionid cookie (prompted when empty)")
	authSetCmd.Flags().StringVar(&authMSToken, "ms-token", "", "msToken cookie (optional)")
	authSetCmd.Flags().StringVar(&authUserAgent, "user-agent", "", "user agent sent with this profile")
	authDeleteCmd.Flags().BoolVarP(&authForce, "force", "f", false, "do not ask for confirmation")
}

func profileManager() (*auth.Manager, error) {
	manager, err := auth.NewManager(logger.GetLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize profile manager: %w", err)
	}
	return manager, nil
}

func runAuthSet(cmd *cobra.Command, args []string) error {
	manager, err := profileManager()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sessionID := authSessionID
	if sessionID == "" {
		auth.ShowSessionCookieGuide(out)
		sessionID, err = auth.PromptSecret(out, "sessionid cookie value: ")
		if err != nil {
			return err
		}
	}
	msToken := authMSToken
	if msToken == "" && !cmd.Flags().Changed("session-id") {
		msToken, err = auth.PromptSecret(out, "msToken cookie value (Enter to skip): ")
		if err != nil {
			return err
		}
	}

	profile := &auth.Profile{
		Name:      args[0],
		SessionID: sessionID,
		MSToken:   msToken,
		UserAgent: authUserAgent,
	}
	if err := manager.Store(profile); err != nil {
		return err
	}

	ui.PrintSuccess(fmt.Sprintf("Profile saved: %s", profile.Name))
	return nil
}

func runAuthShow(cmd *cobra.Command, args []string) error {
	manager, err := profileManager()
	if err != nil {
		return err
	}

	profiles, err := manager.List()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		ui.PrintWarning("No stored profiles. Run 'tikfetch auth set <name>' to add one.")
		return nil
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })

	var defaultName string
	if p, err := manager.RetrieveDefault(); err == nil {
		defaultName = p.Name
	}

	out := cmd.OutOrStdout()
	for _, p := range profiles {
		masked := auth.SanitizeProfile(p)
		marker := " "
		if p.Name == defaultName {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, ui.Cyan(masked.Name))
		fmt.Fprintf(out, "    sessionid: %s\n", masked.SessionID)
		if masked.MSToken != "" {
			fmt.Fprintf(out, "    msToken:   %s\n", masked.MSToken)
		}
		if masked.UserAgent != "" {
			fmt.Fprintf(out, "    agent:     %s\n", masked.UserAgent)
		}
		if !p.LastModified.IsZero() {
			fmt.Fprintf(out, "    updated:   %s\n", p.LastModified.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

func runAuthDelete(cmd *cobra.Command, args []string) error {
	manager, err := profileManager()
	if err != nil {
		return err
	}

	name := args[0]
	if !authForce {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete profile '%s'? (y/N): ", name)
		input, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(input)), "y") {
			return nil
		}
	}

	if err := manager.Delete(name); err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("Profile deleted: %s", name))
	return nil
}
