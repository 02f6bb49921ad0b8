package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/protortyp/melon/internal/model"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list jobs known to the master",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := GetHTTPClient().Get(GetMasterURL() + "/rpc/jobs")
	if err != nil {
		return fmt.Errorf("connect to master: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("master returned status %d: %s", resp.StatusCode, string(body))
	}

	var jobs []model.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "User", "Status", "CPU", "Memory", "Time (min)", "Node", "Submitted")

	for _, job := range jobs {
		node := job.AssignedNodeID
		if node == "" {
			node = "-"
		}
		table.Append(
			fmt.Sprintf("%d", job.ID),
			job.User,
			string(job.Status),
			fmt.Sprintf("%d", job.ReqRes.CPUCount),
			fmt.Sprintf("%d", job.ReqRes.MemoryBytes),
			fmt.Sprintf("%d", job.ReqRes.TimeMinutes),
			node,
			time.Unix(job.SubmitTime, 0).Format(time.RFC3339),
		)
	}

	table.Render()
	fmt.Printf("\ntotal jobs: %d\n", len(jobs))
	return nil
}
