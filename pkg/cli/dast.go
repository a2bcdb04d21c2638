package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/dast"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

const defaultServer = "http://127.0.0.1:8088"

func newDastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dast",
		Short: "Dynamic scans against running applications",
	}
	cmd.PersistentFlags().String("server", defaultServer, "Analyzer API used by status and stop")
	_ = viper.BindPFlag("dast.server", cmd.PersistentFlags().Lookup("server"))

	cmd.AddCommand(newDastScanCmd(), newDastStatusCmd(), newDastStopCmd())
	return cmd
}

func newDastScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "scan <model> <app>",
		Short:   "Run a dynamic scan in the foreground and wait for it",
		Example: "yoro dast scan gpt4 3",
		Args:    cobra.ExactArgs(2),
		RunE:    runDastScan,
	}
}

func runDastScan(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	target, err := parseTarget(args[0], args[1])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	containers, closeContainers := a.containers()
	defer closeContainers()
	if st := containers.Status(cmd.Context(), target); !st.Running {
		fmt.Fprintf(out, "⚠️  Containers for %s are not running: %s\n", target, st.Detail)
	}

	engine := a.engine(dast.WithTransitionHook(func(id string, status schema.ScanStatus) {
		fmt.Fprintf(out, "   %s → %s\n", id, status)
	}))
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := engine.Submit(target)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "🚀 Scan %s started for %s\n", id, target)

	select {
	case <-engine.Done(id):
	case <-ctx.Done():
		fmt.Fprintln(out, "🛑 Interrupted, stopping scan")
		if err := engine.Stop(id); err != nil && !errors.Is(err, dast.ErrScanNotRunning) {
			return err
		}
		<-engine.Done(id)
	}

	rec, _ := a.scans.Get(id)
	printRecord(out, rec)
	if rec.Status == schema.StatusComplete {
		fmt.Fprintf(out, "✅ Results saved under %s\n", a.results.Dir(target))
		return nil
	}
	return fmt.Errorf("scan finished with status %s", rec.Status)
}

func newDastStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <scan-id>",
		Short: "Show the state of a scan held by a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec schema.ScanRecord
			if err := callServer(cmd.Context(), http.MethodGet, "/api/dast/scans/"+args[0], &rec); err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
}

func newDastStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <scan-id>",
		Short: "Stop a scan held by a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callServer(cmd.Context(), http.MethodPost, "/api/dast/scans/"+args[0]+"/stop", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🛑 Scan %s stopped\n", args[0])
			return nil
		},
	}
}

func printRecord(w io.Writer, rec schema.ScanRecord) {
	fmt.Fprintf(w, "Scan %s (%s): %s\n", rec.ScanID, rec.Target, rec.Status)
	fmt.Fprintf(w, "   spider %d%%  ajax %d%%  passive %d%%  active %d%%\n",
		rec.SpiderProgress, rec.AjaxProgress, rec.PassiveProgress, rec.ActiveProgress)
	fmt.Fprintf(w, "   alerts: high %d, medium %d, low %d, info %d\n",
		rec.Counts.High, rec.Counts.Medium, rec.Counts.Low, rec.Counts.Info)
	if rec.Error != nil {
		fmt.Fprintf(w, "   error: %s\n", *rec.Error)
	}
}

// callServer issues one JSON request against the analyzer API, decoding the
// body into out when it is non-nil.
func callServer(ctx context.Context, method, path string, out any) error {
	base := strings.TrimRight(viper.GetString("dast.server"), "/")
	if base == "" {
		base = defaultServer
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("analyzer server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
