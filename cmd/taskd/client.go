package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/taskd/internal/client"
	"github.com/CZERTAINLY/taskd/internal/model"
)

const pollInterval = 500 * time.Millisecond

var (
	flagPHPVersion string
	flagFollow     bool
	flagState      string
	flagType       string
)

var submitCmd = &cobra.Command{
	Use:   "submit TYPE ACTION TARGET",
	Short: "submit a task to a running taskd",
	Args:  cobra.ExactArgs(3),
	RunE:  doSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status [ID]",
	Short: "status prints a task, or all tasks when no ID is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doStatus,
}

var tailCmd = &cobra.Command{
	Use:   "tail ID",
	Short: "tail prints the task output until the task finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  doTail,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  doCancel,
}

func init() {
	submitCmd.Flags().StringVar(&flagPHPVersion, "php-version", "", "php version of the extension type")
	submitCmd.Flags().BoolVar(&flagFollow, "follow", false, "print the output and wait for the task to finish")
	statusCmd.Flags().StringVar(&flagState, "state", "", "list only tasks in this state")
	statusCmd.Flags().StringVar(&flagType, "type", "", "list only tasks of this type")
}

func newClient() (*client.Client, error) {
	return client.New(serverURL())
}

func doSubmit(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	task, err := c.Submit(cmd.Context(), model.Request{
		Type:       args[0],
		Action:     args[1],
		Target:     args[2],
		PHPVersion: flagPHPVersion,
	})
	if err != nil {
		return err
	}
	if !flagFollow {
		return printJSON(cmd.OutOrStdout(), task)
	}
	return follow(cmd, c, task.ID)
}

func doStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		task, err := c.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), task)
	}
	list, err := c.List(cmd.Context(), model.Filter{State: model.State(flagState), Type: flagType})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), list)
}

func doTail(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	return follow(cmd, c, args[0])
}

func doCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	status, err := c.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), status)
	return err
}

// follow copies the task output to stdout and the final task to stderr. It
// fails unless the task succeeded.
func follow(cmd *cobra.Command, c *client.Client, id string) error {
	task, err := c.Tail(cmd.Context(), id, cmd.OutOrStdout(), pollInterval)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stderr, task); err != nil {
		return err
	}
	if task.State != model.StateSucceeded {
		return fmt.Errorf("task %s %s", task.ID, task.State)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
