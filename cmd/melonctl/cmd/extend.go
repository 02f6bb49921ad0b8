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

var (
	extendUser    string
	extendMinutes uint32
)

var extendCmd = &cobra.Command{
	Use:   "extend <job-id>",
	Short: "extend a job's wall-clock deadline",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtend,
}

func init() {
	extendCmd.Flags().StringVar(&extendUser, "user", os.Getenv("USER"), "user issuing the extension (must match the job's owner)")
	extendCmd.Flags().Uint32Var(&extendMinutes, "minutes", 0, "minutes to add to the job's deadline (required)")
	extendCmd.MarkFlagRequired("minutes")
	rootCmd.AddCommand(extendCmd)
}

func runExtend(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	reqBody, err := json.Marshal(map[string]interface{}{
		"user":           extendUser,
		"extension_mins": extendMinutes,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := GetHTTPClient().Post(GetMasterURL()+"/rpc/jobs/"+jobID+"/extend", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("connect to master: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("master returned status %d: %s", resp.StatusCode, string(body))
	}

	fmt.Printf("job %s extended by %d minutes\n", jobID, extendMinutes)
	return nil
}
