package status

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/spf13/cobra"
	"github.com/stephnangue/keymaster/cmd/helpers"
)

var (
	flagAddress string

	StatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Queries a running keymaster server and prints its status",
		RunE:  run,
	}
)

func init() {
	StatusCmd.Flags().StringVarP(&flagAddress, "address", "a", "http://127.0.0.1:8200", "Address of the keymaster server")
}

func run(cmd *cobra.Command, args []string) error {
	client := cleanhttp.DefaultClient()
	client.Timeout = 5 * time.Second

	resp, err := client.Get(flagAddress + "/v1/sys/health")
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read server response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server reported %s", resp.Status)
	}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("server returned malformed response: %w", err)
	}

	helpers.PrintTable([]string{"Key", "Value"}, [][]any{
		{"Address", flagAddress},
		{"Status", health.Status},
		{"Version", health.Version},
	})
	return nil
}
