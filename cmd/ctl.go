package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"ampsched/internal/config"

	"github.com/spf13/cobra"
)

func newCtlCmd() *cobra.Command {
	var addr string

	ctlCmd := &cobra.Command{
		Use:   "ctl",
		Short: "Read or change the running controller's settings",
	}
	ctlCmd.PersistentFlags().StringVar(&addr, "addr", config.DefaultControlListen, "Control server address")

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print policies, periods and group occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctlGet(newCtlClient(), addr, os.Stdout)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <line>...",
		Short: "Apply control lines such as \"scheduler balancer\" or \"verbose=1\"",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctlSet(newCtlClient(), addr, args, os.Stdout)
		},
	}

	ctlCmd.AddCommand(getCmd, setCmd)
	return ctlCmd
}

func newCtlClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func controlURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/") + "/sched"
	}
	return "http://" + addr + "/sched"
}

func ctlGet(client *http.Client, addr string, out io.Writer) error {
	resp, err := client.Get(controlURL(addr))
	if err != nil {
		return fmt.Errorf("failed to reach controller: %w", err)
	}
	return copyResponse(resp, out)
}

func ctlSet(client *http.Client, addr string, lines []string, out io.Writer) error {
	body := strings.Join(lines, "\n") + "\n"
	resp, err := client.Post(controlURL(addr), "text/plain", strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach controller: %w", err)
	}
	return copyResponse(resp, out)
}

func copyResponse(resp *http.Response, out io.Writer) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("controller returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, err := io.Copy(out, resp.Body)
	return err
}
