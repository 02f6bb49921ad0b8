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

var infoCmd = &cobra.Command{
	Use:   "info <job-id>",
	Short: "show one job's full record",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	resp, err := GetHTTPClient().Get(GetMasterURL() + "/rpc/jobs/" + jobID)
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

	var job model.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if IsJSONOutput() {
		output, _ := json.MarshalIndent(job, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", fmt.Sprintf("%d", job.ID))
	table.Append("User", job.User)
	table.Append("Status", string(job.Status))
	table.Append("Script", job.ScriptPath)
	table.Append("CPU", fmt.Sprintf("%d", job.ReqRes.CPUCount))
	table.Append("Memory bytes", fmt.Sprintf("%d", job.ReqRes.MemoryBytes))
	table.Append("Time (min)", fmt.Sprintf("%d", job.ReqRes.TimeMinutes))
	table.Append("Submitted", time.Unix(job.SubmitTime, 0).Format(time.RFC3339))
	if job.StartTime != nil {
		table.Append("Started", time.Unix(*job.StartTime, 0).Format(time.RFC3339))
	}
	if job.StopTime != nil {
		table.Append("Stopped", time.Unix(*job.StopTime, 0).Format(time.RFC3339))
	}
	if job.AssignedNodeID != "" {
		table.Append("Node", job.AssignedNodeID)
	}
	if job.FailureReason != "" {
		table.Append("Failure reason", job.FailureReason)
	}
	table.Render()
	return nil
}
