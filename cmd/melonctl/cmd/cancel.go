package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var cancelUser string

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelUser, "user", os.Getenv("USER"), "user issuing the cancel (must match the job's owner)")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	reqBody, err := json.Marshal(map[string]string{"user": cancelUser})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := GetHTTPClient().Post(GetMasterURL()+"/rpc/jobs/"+jobID+"/cancel", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("connect to master: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("master returned status %d: %s", resp.StatusCode, string(body))
	}

	fmt.Printf("job %s cancelled\n", jobID)
	return nil
}
