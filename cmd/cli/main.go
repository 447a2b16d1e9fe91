package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cbrain/controlplane/internal/activity"
	"github.com/cbrain/controlplane/internal/config"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/netutils"
	"github.com/cbrain/controlplane/internal/quota"
	"github.com/cbrain/controlplane/internal/resource"
)

var (
	portalURL string
	token     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cbrainctl",
		Short:         "Operate a CBRAIN portal: activities, resources and quotas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCLIConfig()
			if err != nil {
				return fmt.Errorf("reading CLI config: %w", err)
			}
			if portalURL == "" {
				portalURL = firstNonEmpty(os.Getenv("CBRAIN_PORTAL"), cfg.PortalURL, "http://localhost:8090")
			}
			if token == "" {
				token = firstNonEmpty(os.Getenv("CBRAIN_TOKEN"), cfg.Token)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&portalURL, "url", "", "portal URL (default from CBRAIN_PORTAL or ~/.cbrain.yaml)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default from CBRAIN_TOKEN or ~/.cbrain.yaml)")

	rootCmd.AddCommand(loginCmd(), whoamiCmd(), activitiesCmd(), resourcesCmd(), quotaCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check the token against the portal and remember it",
		RunE: func(cmd *cobra.Command, args []string) error {
			var u models.User
			if err := call("GET", "/v1/whoami", nil, &u); err != nil {
				return err
			}
			if err := config.SaveCLIConfig(&config.CLIConfig{PortalURL: portalURL, Token: token}); err != nil {
				return err
			}
			fmt.Printf("Logged in to %s as %s\n", portalURL, u.Login)
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			var u models.User
			if err := call("GET", "/v1/whoami", nil, &u); err != nil {
				return err
			}
			role := "user"
			if u.IsAdmin {
				role = "admin"
			}
			fmt.Printf("%s (#%d, %s)\n", u.Login, u.ID, role)
			return nil
		},
	}
}

func activitiesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "activities", Aliases: []string{"act"}, Short: "Manage background activities"}

	var status string
	var resourceID int64
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List background activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/activities?limit=200"
			if status != "" {
				path += "&status=" + status
			}
			if resourceID != 0 {
				path += "&resource_id=" + strconv.FormatInt(resourceID, 10)
			}
			var acts []models.BackgroundActivity
			if err := call("GET", path, nil, &acts); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tUSER\tRESOURCE\tPROGRESS\tOK/FAIL/EXC\tSTART")
			for _, a := range acts {
				start := "-"
				if a.StartAt != nil {
					start = a.StartAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d/%d\t%d/%d/%d\t%s\n", a.ID, a.Type, a.Status, a.UserID,
					a.RemoteResourceID, a.CurrentItem, len(a.Items), a.CountOK, a.CountFail, a.CountExc, start)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	listCmd.Flags().Int64Var(&resourceID, "resource", 0, "only activities of this resource")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one activity with its per-item messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var a models.BackgroundActivity
			if err := call("GET", "/v1/activities/"+args[0], nil, &a); err != nil {
				return err
			}
			fmt.Printf("#%d %s [%s] on resource %d\n", a.ID, a.Type, a.Status, a.RemoteResourceID)
			if a.IsRepeating() {
				fmt.Printf("Repeat: %s\n", a.Repeat)
			}
			for i, item := range a.Items {
				var outcome models.ItemOutcome
				if i < len(a.ItemResults) {
					outcome = a.ItemResults[i]
				}
				msg := ""
				if i < len(a.Messages) {
					msg = a.Messages[i]
				}
				fmt.Printf("  %-4d %-5s %s %s\n", i, outcome, item, msg)
			}
			return nil
		},
	}

	var req activity.CreateRequest
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a background activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.StartDate == "" {
				req.StartNow = true
			}
			var a models.BackgroundActivity
			if err := call("POST", "/v1/activities", req, &a); err != nil {
				return err
			}
			fmt.Printf("Activity #%d created (%s, %d items)\n", a.ID, a.Status, len(a.Items))
			return nil
		},
	}
	f := createCmd.Flags()
	f.StringVar(&req.Type, "type", "", "activity type")
	f.Int64Var(&req.RemoteResourceID, "resource", 0, "resource that runs it (default: the portal)")
	f.Int64Var(&req.UserID, "user", 0, "owner (admins only)")
	f.StringVar(&req.StartDate, "start-date", "", "YYYY-MM-DD (default: start now)")
	f.StringVar(&req.StartHour, "start-hour", "", "start hour")
	f.StringVar(&req.StartMin, "start-min", "", "start minute")
	f.StringVar(&req.Repeat, "repeat", "", "one_shot, start+N, tomorrow@HH:MM, mon@HH:MM ...")
	f.StringToStringVar(&req.Options, "opt", nil, "activity options (key=value)")
	f.StringSliceVar(&req.Items, "item", nil, "items")
	f.IntVar(&req.MaxRetries, "max-retries", 0, "automatic retries of failed items")
	f.IntVar(&req.RetryDelay, "retry-delay", 0, "seconds before the first retry")
	createCmd.MarkFlagRequired("type")

	opCmd := &cobra.Command{
		Use:   "op <operation> <id>...",
		Short: "Apply cancel, suspend, unsuspend, force_single_retry or destroy",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			var rep struct {
				Message string `json:"message"`
			}
			if err := call("POST", "/v1/activities/operation", map[string]any{"operation": args[0], "ids": ids}, &rep); err != nil {
				return err
			}
			fmt.Println(rep.Message)
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a portal activity now, in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var a models.BackgroundActivity
			if err := call("POST", "/v1/activities/"+args[0]+"/run", nil, &a); err != nil {
				return err
			}
			fmt.Printf("Activity #%d is now %s (%d ok, %d failed, %d exceptions)\n",
				a.ID, a.Status, a.CountOK, a.CountFail, a.CountExc)
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd, createCmd, opCmd, runCmd)
	return cmd
}

func resourcesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "resources", Aliases: []string{"rr"}, Short: "Manage portals and Bourreaux"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List remote resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rrs []models.RemoteResource
			if err := call("GET", "/v1/resources", nil, &rrs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tONLINE\tTIME OF DEATH")
			for _, r := range rrs {
				tod := "-"
				if r.TimeOfDeath != nil {
					tod = r.TimeOfDeath.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\n", r.ID, r.Name, r.Type, r.Online, tod)
			}
			return w.Flush()
		},
	}

	action := func(name, short string) *cobra.Command {
		return &cobra.Command{
			Use:   name + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "/v1/resources/" + args[0] + "/" + name
				switch name {
				case "start", "stop":
					var out resource.Outcome
					if err := call("POST", path, nil, &out); err != nil {
						return err
					}
					fmt.Println(out.String())
					if !out.OK {
						return fmt.Errorf("%s failed", name)
					}
					return nil
				case "ping":
					var p struct {
						Alive  bool `json:"alive"`
						Online bool `json:"online"`
					}
					if err := call("POST", path, nil, &p); err != nil {
						return err
					}
					fmt.Printf("alive=%v online=%v\n", p.Alive, p.Online)
					return nil
				}
				var info models.Info
				if err := call("POST", path, nil, &info); err != nil {
					return err
				}
				return printJSON(info)
			},
		}
	}

	commandCmd := &cobra.Command{
		Use:   "command <id> <name> [key=value]...",
		Short: "Send a control command to a resource",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{}
			for _, kv := range args[2:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("payload entry %q is not key=value", kv)
				}
				payload[k] = v
			}
			var reply map[string]any
			if err := call("POST", "/v1/resources/"+args[0]+"/commands/"+args[1], payload, &reply); err != nil {
				return err
			}
			return printJSON(reply)
		},
	}

	cmd.AddCommand(listCmd,
		action("start", "Start a Bourreau through its control script"),
		action("stop", "Stop a Bourreau"),
		action("ping", "Probe a resource and update its liveness"),
		action("info", "Show a resource's self report"),
		commandCmd)
	return cmd
}

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "quota", Short: "Quota reports and settings"}

	var kind string
	var almost bool
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "List users over (or almost over) their quotas",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/quotas/report?kind=%s&almost=%v", kind, almost)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if kind == "disk" {
				var rows []quota.DiskViolation
				if err := call("GET", path, nil, &rows); err != nil {
					return err
				}
				fmt.Fprintln(w, "USER\tPROVIDER\tEXCEEDED\tBYTES\tMAX BYTES\tFILES\tMAX FILES")
				for _, v := range rows {
					fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\t%d\n", v.UserID, v.DataProviderID, v.Exceeded,
						v.Bytes, v.MaxBytes, v.Files, v.MaxFiles)
				}
				return w.Flush()
			}
			var rows []quota.CPUViolation
			if err := call("GET", path, nil, &rows); err != nil {
				return err
			}
			fmt.Fprintln(w, "USER\tRESOURCE\tWINDOW\tUSED\tLIMIT\tQUOTA")
			for _, v := range rows {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\n", v.UserID, v.RemoteResourceID, v.Window, v.Used, v.Limit, v.QuotaID)
			}
			return w.Flush()
		},
	}
	reportCmd.Flags().StringVar(&kind, "kind", "cpu", "cpu or disk")
	reportCmd.Flags().BoolVar(&almost, "almost", false, "include users at 95% of a limit")

	var cq models.CpuQuota
	cpuCmd := &cobra.Command{
		Use:   "set-cpu",
		Short: "Create or update a CPU quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call("POST", "/v1/quotas/cpu", cq, &cq); err != nil {
				return err
			}
			fmt.Printf("CPU quota #%d saved\n", cq.ID)
			return nil
		},
	}
	cf := cpuCmd.Flags()
	cf.Int64Var(&cq.UserID, "user", 0, "user id (0 = any)")
	cf.Int64Var(&cq.GroupID, "group", 0, "group id (0 = any)")
	cf.Int64Var(&cq.RemoteResourceID, "resource", 0, "resource id (0 = any)")
	cf.Int64Var(&cq.MaxCPUPastWeek, "week", 0, "CPU seconds over the past week")
	cf.Int64Var(&cq.MaxCPUPastMonth, "month", 0, "CPU seconds over the past month")
	cf.Int64Var(&cq.MaxCPUEver, "ever", 0, "CPU seconds ever")

	var dq models.DiskQuota
	diskCmd := &cobra.Command{
		Use:   "set-disk",
		Short: "Create or update a disk quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call("POST", "/v1/quotas/disk", dq, &dq); err != nil {
				return err
			}
			fmt.Printf("Disk quota #%d saved\n", dq.ID)
			return nil
		},
	}
	df := diskCmd.Flags()
	df.Int64Var(&dq.UserID, "user", 0, "user id (0 = everyone on the provider)")
	df.Int64Var(&dq.DataProviderID, "provider", 0, "data provider id")
	df.Int64Var(&dq.MaxBytes, "bytes", 0, "max bytes")
	df.Int64Var(&dq.MaxFiles, "files", 0, "max files")
	diskCmd.MarkFlagRequired("provider")

	cmd.AddCommand(reportCmd, cpuCmd, diskCmd)
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// call sends body as JSON and decodes a successful reply into out.
func call(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	if token == "" {
		return errors.New("no token: run cbrainctl login --token ... or set CBRAIN_TOKEN")
	}

	req, err := http.NewRequest(method, strings.TrimRight(portalURL, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	client := netutils.NewClient(5*time.Minute, true)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New("unauthorized: check your token")
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var verr struct {
			Errors activity.ValidationErrors `json:"errors"`
		}
		if json.Unmarshal(b, &verr) == nil && verr.Errors.Any() {
			return verr.Errors
		}
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
