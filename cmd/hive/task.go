package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivelabs/hive/pkg/client"
	"github.com/hivelabs/hive/pkg/types"
)

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return client.New(server, token)
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "http://127.0.0.1:8080", "Server URL")
	cmd.Flags().String("token", "", "Bearer token")
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit -- <command> [args...]",
	Short: "Submit a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		user, _ := cmd.Flags().GetString("user")
		priority, _ := cmd.Flags().GetInt("priority")
		expiration, _ := cmd.Flags().GetInt("expiration")
		execTimeout, _ := cmd.Flags().GetInt("execution-timeout")
		ioTimeout, _ := cmd.Flags().GetInt("io-timeout")
		dims, _ := cmd.Flags().GetStringToString("dimension")
		env, _ := cmd.Flags().GetStringToString("env")

		c := newClient(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := c.NewTask(ctx, client.NewTaskArgs{
			Name:           name,
			User:           user,
			Priority:       priority,
			ExpirationSecs: expiration,
			Properties: types.TaskProperties{
				Commands:             [][]string{args},
				Dimensions:           dims,
				Env:                  env,
				ExecutionTimeoutSecs: execTimeout,
				IOTimeoutSecs:        ioTimeout,
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("Task submitted: %s\n", result.TaskID)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's result summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sum, err := c.GetTask(ctx, args[0])
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(sum, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

var taskOutputCmd = &cobra.Command{
	Use:   "output <task-id>",
	Short: "Print a task's output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		outputs, err := c.TaskOutputs(ctx, args[0])
		if err != nil {
			return err
		}
		for _, out := range outputs {
			fmt.Print(out)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		c := newClient(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		list, err := c.ListTasks(ctx, client.ListTasksQuery{
			State: strings.ToUpper(state),
			Limit: limit,
		})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tNAME\tSTATE\tPRIORITY\tBOT\tCREATED")
		for _, item := range list.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				item.TaskID, item.Name, item.State, item.Priority,
				item.BotID, item.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := c.CancelTask(ctx, args[0])
		if err != nil {
			return err
		}
		if !result.OK {
			fmt.Println("Task was not canceled (already terminal)")
			return nil
		}
		if result.WasRunning {
			fmt.Println("Task canceled; the bot will be told to stop")
		} else {
			fmt.Println("Task canceled")
		}
		return nil
	},
}

var botsCmd = &cobra.Command{
	Use:   "bots",
	Short: "List known bots",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		bots, err := c.ListBots(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BOT ID\tVERSION\tQUARANTINED\tLAST SEEN")
		for _, b := range bots {
			quarantined := ""
			if b.Quarantined {
				quarantined = b.QuarantineReason
				if quarantined == "" {
					quarantined = "yes"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				b.ID, b.Version, quarantined, b.LastSeenAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskOutputCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)

	taskSubmitCmd.Flags().String("name", "", "Task name")
	taskSubmitCmd.Flags().String("user", os.Getenv("USER"), "Submitting user")
	taskSubmitCmd.Flags().Int("priority", 100, "Priority (0-255, lower runs first)")
	taskSubmitCmd.Flags().Int("expiration", 3600, "Seconds the task may wait for a bot")
	taskSubmitCmd.Flags().Int("execution-timeout", 3600, "Hard per-command timeout in seconds")
	taskSubmitCmd.Flags().Int("io-timeout", 1200, "Output silence timeout in seconds (0 disables)")
	taskSubmitCmd.Flags().StringToString("dimension", nil, "Required dimension key=value (repeatable)")
	taskSubmitCmd.Flags().StringToString("env", nil, "Environment variable key=value (repeatable)")

	taskListCmd.Flags().String("state", "", "Filter by state (e.g. PENDING, RUNNING)")
	taskListCmd.Flags().Int("limit", 50, "Page size")

	for _, cmd := range []*cobra.Command{
		taskSubmitCmd, taskStatusCmd, taskOutputCmd, taskListCmd, taskCancelCmd, botsCmd,
	} {
		addClientFlags(cmd)
	}
}
