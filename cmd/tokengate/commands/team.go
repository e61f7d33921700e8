package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/ledger"
	"github.com/amerfu/tokengate/internal/services/registry"
)

// NewTeamCommand creates a new team management command
func NewTeamCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
		Long:  "Create, list, update, and manage teams and their token quotas",
	}

	cmd.AddCommand(newTeamCreateCommand(ctx))
	cmd.AddCommand(newTeamListCommand(ctx))
	cmd.AddCommand(newTeamGetCommand(ctx))
	cmd.AddCommand(newTeamUpdateCommand(ctx))
	cmd.AddCommand(newTeamDeleteCommand(ctx))
	cmd.AddCommand(newTeamResetCommand(ctx))
	cmd.AddCommand(newTeamTokenCommand(ctx))

	return cmd
}

// registryService builds the team registry over the direct database
// connection. The ledger it carries is local to this process, so
// reservations held by a running server are not visible here; the delete
// guard only works through the admin API.
func registryService() *registry.Service {
	led := ledger.New(&ledger.Config{Store: ledger.NewGormStore(db)})
	return registry.NewService(db, led, zap.NewNop())
}

func newTeamCreateCommand(ctx context.Context) *cobra.Command {
	var name, email string
	var quota int64
	var rpm int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new team",
		Long:  "Create a team and print its bearer token, shown only this once",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &registry.CreateTeamRequest{
				Name:         name,
				QuotaLimit:   quota,
				RPM:          rpm,
				ContactEmail: email,
			}

			if IsDirectDBAccess() {
				return createTeamDB(ctx, req)
			} else if IsAPIAccess() {
				return createTeamAPI(req)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Team name (required)")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Token quota limit (0 uses the server default)")
	cmd.Flags().IntVar(&rpm, "rpm", 0, "Requests per minute (0 uses the server default)")
	cmd.Flags().StringVar(&email, "email", "", "Contact email")

	cmd.MarkFlagRequired("name")

	return cmd
}

func newTeamListCommand(ctx context.Context) *cobra.Command {
	var page, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		Long:  "List teams in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsDirectDBAccess() {
				return listTeamsDB(ctx, page, limit)
			} else if IsAPIAccess() {
				return listTeamsAPI(page, limit)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 50, "Results per page")

	return cmd
}

func newTeamGetCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [TEAM_NAME]",
		Short: "Get team details",
		Long:  "Get a team's quota position and settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsDirectDBAccess() {
				return getTeamDB(ctx, args[0])
			} else if IsAPIAccess() {
				return getTeamAPI(args[0])
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func newTeamUpdateCommand(ctx context.Context) *cobra.Command {
	var quota int64
	var rpm int
	var active bool

	cmd := &cobra.Command{
		Use:   "update [TEAM_NAME]",
		Short: "Update team",
		Long:  "Update a team's quota limit, rate limit, or active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &registry.UpdateTeamRequest{}
			if cmd.Flags().Changed("quota") {
				req.QuotaLimit = &quota
			}
			if cmd.Flags().Changed("rpm") {
				req.RPM = &rpm
			}
			if cmd.Flags().Changed("active") {
				req.IsActive = &active
			}

			if req.QuotaLimit == nil && req.RPM == nil && req.IsActive == nil {
				return fmt.Errorf("no updates specified")
			}

			if IsDirectDBAccess() {
				return updateTeamDB(ctx, args[0], req)
			} else if IsAPIAccess() {
				return updateTeamAPI(args[0], req)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().Int64Var(&quota, "quota", 0, "New token quota limit")
	cmd.Flags().IntVar(&rpm, "rpm", 0, "New requests per minute limit")
	cmd.Flags().BoolVar(&active, "active", true, "Set team active status")

	return cmd
}

func newTeamDeleteCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [TEAM_NAME]",
		Short: "Delete team",
		Long:  "Delete a team (soft delete); its token stops authenticating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsDirectDBAccess() {
				return deleteTeamDB(ctx, args[0])
			} else if IsAPIAccess() {
				return deleteTeamAPI(args[0])
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func newTeamResetCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset [TEAM_NAME]",
		Short: "Reset team usage",
		Long:  "Reset a team's quota usage counter to zero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsDirectDBAccess() {
				return resetTeamDB(ctx, args[0])
			} else if IsAPIAccess() {
				return resetTeamAPI(args[0])
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func newTeamTokenCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [TEAM_NAME]",
		Short: "Show team token",
		Long:  "Print a team's bearer token for operators who lost it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsDirectDBAccess() {
				return teamTokenDB(ctx, args[0])
			}
			// The admin API never serializes stored tokens.
			return fmt.Errorf("token requires direct database access, set --db-url")
		},
	}

	return cmd
}

// Database implementations
func createTeamDB(ctx context.Context, req *registry.CreateTeamRequest) error {
	team, err := registryService().Create(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create team: %w", err)
	}

	if outputJSON {
		OutputJSON(map[string]interface{}{"team": team, "token": team.Token})
	} else {
		fmt.Printf("Team created successfully:\n")
		fmt.Printf("Name: %s\n", team.Name)
		fmt.Printf("Quota: %d tokens\n", team.QuotaLimit)
		fmt.Printf("RPM: %d\n", team.RPM)
		fmt.Printf("Token: %s\n", team.Token)
		fmt.Printf("\nStore the token now, it is not shown on later reads.\n")
	}

	return nil
}

func listTeamsDB(ctx context.Context, page, limit int) error {
	teams, total, err := registryService().List(ctx, page, limit)
	if err != nil {
		return fmt.Errorf("failed to list teams: %w", err)
	}

	if outputJSON {
		OutputJSON(map[string]interface{}{"teams": teams, "total": total})
	} else {
		printTeamTable(teams)
		fmt.Printf("\n%d team(s) total\n", total)
	}

	return nil
}

func getTeamDB(ctx context.Context, name string) error {
	stats, err := registryService().Stats(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get team: %w", err)
	}

	if outputJSON {
		OutputJSON(stats)
	} else {
		fmt.Printf("Team Details:\n")
		fmt.Printf("Name: %v\n", stats["name"])
		fmt.Printf("Active: %v\n", stats["is_active"])
		fmt.Printf("Quota: %v / %v tokens\n", stats["quota_used"], stats["quota_limit"])
		fmt.Printf("Remaining: %v\n", stats["remaining"])
		if pct, ok := stats["usage_percentage"].(float64); ok {
			fmt.Printf("Usage: %.1f%%\n", pct)
		}
		fmt.Printf("Created: %v\n", stats["created_at"])
	}

	return nil
}

func updateTeamDB(ctx context.Context, name string, req *registry.UpdateTeamRequest) error {
	if _, err := registryService().Update(ctx, name, req); err != nil {
		return fmt.Errorf("failed to update team: %w", err)
	}

	fmt.Printf("Team %s updated successfully\n", name)
	return nil
}

func deleteTeamDB(ctx context.Context, name string) error {
	if err := registryService().Delete(ctx, name); err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}

	fmt.Printf("Team %s deleted successfully\n", name)
	return nil
}

func resetTeamDB(ctx context.Context, name string) error {
	if err := registryService().ResetUsage(ctx, name); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}

	fmt.Printf("Usage for team %s reset to zero\n", name)
	return nil
}

func teamTokenDB(ctx context.Context, name string) error {
	team, err := registryService().GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get team: %w", err)
	}

	if outputJSON {
		OutputJSON(map[string]string{"name": team.Name, "token": team.Token})
	} else {
		fmt.Println(team.Token)
	}

	return nil
}

// API implementations
func createTeamAPI(req *registry.CreateTeamRequest) error {
	resp, err := APIRequest(http.MethodPost, "/api/admin/teams", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	var created struct {
		Team  models.Team `json:"team"`
		Token string      `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if outputJSON {
		OutputJSON(map[string]interface{}{"team": created.Team, "token": created.Token})
	} else {
		fmt.Printf("Team created successfully:\n")
		fmt.Printf("Name: %s\n", created.Team.Name)
		fmt.Printf("Quota: %d tokens\n", created.Team.QuotaLimit)
		fmt.Printf("Token: %s\n", created.Token)
		fmt.Printf("\nStore the token now, it is not shown on later reads.\n")
	}

	return nil
}

func listTeamsAPI(page, limit int) error {
	endpoint := fmt.Sprintf("/api/admin/teams?page=%d&limit=%d", page, limit)

	resp, err := APIRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var list struct {
		Teams []models.Team `json:"teams"`
		Total int64         `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if outputJSON {
		OutputJSON(map[string]interface{}{"teams": list.Teams, "total": list.Total})
	} else {
		printTeamTable(list.Teams)
		fmt.Printf("\n%d team(s) total\n", list.Total)
	}

	return nil
}

func getTeamAPI(name string) error {
	resp, err := APIRequest(http.MethodGet, "/api/admin/teams/"+name, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var team models.Team
	if err := json.NewDecoder(resp.Body).Decode(&team); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if outputJSON {
		OutputJSON(team)
	} else {
		fmt.Printf("Team Details:\n")
		fmt.Printf("Name: %s\n", team.Name)
		fmt.Printf("Active: %v\n", team.IsActive)
		fmt.Printf("Quota: %d / %d tokens\n", team.QuotaUsed, team.QuotaLimit)
		fmt.Printf("Remaining: %d\n", team.Remaining())
		fmt.Printf("RPM: %d\n", team.RPM)
		fmt.Printf("Created: %s\n", team.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func updateTeamAPI(name string, req *registry.UpdateTeamRequest) error {
	resp, err := APIRequest(http.MethodPatch, "/api/admin/teams/"+name, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	fmt.Printf("Team %s updated successfully\n", name)
	return nil
}

func deleteTeamAPI(name string) error {
	resp, err := APIRequest(http.MethodDelete, "/api/admin/teams/"+name, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}

	fmt.Printf("Team %s deleted successfully\n", name)
	return nil
}

func resetTeamAPI(name string) error {
	resp, err := APIRequest(http.MethodPost, "/api/admin/teams/"+name+"/reset", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	fmt.Printf("Usage for team %s reset to zero\n", name)
	return nil
}

func printTeamTable(teams []models.Team) {
	headers := []string{"Name", "Used", "Limit", "Remaining", "RPM", "Active", "Created"}
	var rows [][]string
	for _, team := range teams {
		rows = append(rows, []string{
			team.Name,
			strconv.FormatInt(team.QuotaUsed, 10),
			strconv.FormatInt(team.QuotaLimit, 10),
			strconv.FormatInt(team.Remaining(), 10),
			strconv.Itoa(team.RPM),
			strconv.FormatBool(team.IsActive),
			team.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	OutputTable(headers, rows)
}
