package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/DocSRV/docsrv/internal/history"
	"github.com/DocSRV/docsrv/internal/service"
	"github.com/DocSRV/docsrv/internal/vina"

	"github.com/spf13/cobra"
)

var (
	flagVinaConfig string
	flagReceptor   string
	flagLigand     string
	flagFlex       string
	flagCenter     string
	flagRepeat     int
	flagStart      bool
	flagParams     map[string]string
	flagLimit      int
	flagDelete     bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "schedule queues a docking job in the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := scheduleRequest()
		if err != nil {
			return err
		}
		// fail here rather than in the daemon log
		if _, err := req.Config(cmd.Context()); err != nil {
			return err
		}
		return submit(cmd.OutOrStdout(), req)
	},
}

var startCmd = actionCmd(service.ActionStart, "start runs the queued jobs")
var stopCmd = actionCmd(service.ActionStop, "stop kills the running job, it stays queued")
var sweepCmd = actionCmd(service.ActionSweep, "sweep removes result directories of unfinished tries")

func actionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return submit(cmd.OutOrStdout(), service.Request{Action: action})
		},
	}
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "queue prints the persisted job queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := service.NewFileQueue(config.Service.QueuePath())
		cfgs, dropped, err := q.Peek(cmd.Context())
		if err != nil {
			return err
		}
		if dropped > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: skipped %d invalid entries\n", q.Path(), dropped)
		}
		return printQueue(cmd.OutOrStdout(), cfgs)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [run-uuid]",
	Short: "history prints the most recent runs or a single run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := history.InitDB(ctx, config.Service.HistoryPath())
		if err != nil {
			return err
		}
		defer func() {
			_ = db.Close()
		}()
		switch {
		case len(args) == 1 && flagDelete:
			return deleteRun(ctx, cmd.OutOrStdout(), db, args[0])
		case flagDelete:
			return errors.New("--delete needs a run uuid")
		case len(args) == 1:
			return printRun(ctx, cmd.OutOrStdout(), db, args[0])
		}
		return printHistory(ctx, cmd.OutOrStdout(), db, flagLimit)
	},
}

func commandFlags() {
	f := scheduleCmd.Flags()
	f.StringVar(&flagVinaConfig, "vina-config", "", "vina config file the job starts from")
	f.StringVar(&flagReceptor, "receptor", "", "receptor .pdbqt file")
	f.StringVar(&flagLigand, "ligand", "", "ligand .pdbqt file")
	f.StringVar(&flagFlex, "flex", "", "flexible side chains .pdbqt file")
	f.StringVar(&flagCenter, "center", "", "search box center as x,y,z")
	f.IntVar(&flagRepeat, "repeat", 1, "number of tries")
	f.BoolVar(&flagStart, "start", false, "start the queue after scheduling")
	f.StringToStringVar(&flagParams, "param", nil, "additional vina parameters, e.g. --param exhaustiveness=16")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of runs to print")
	historyCmd.Flags().BoolVar(&flagDelete, "delete", false, "delete the given run from the history")
}

func scheduleRequest() (service.Request, error) {
	req := service.Request{
		Action:     service.ActionSchedule,
		VinaConfig: flagVinaConfig,
		Receptor:   flagReceptor,
		Ligand:     flagLigand,
		Flex:       flagFlex,
		Repeat:     flagRepeat,
		Start:      flagStart,
		Params:     flagParams,
	}
	// the daemon resolves paths from its own working directory
	for _, p := range []*string{&req.VinaConfig, &req.Receptor, &req.Ligand, &req.Flex} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return service.Request{}, err
		}
		*p = abs
	}
	if flagCenter != "" {
		center, err := parseCenter(flagCenter)
		if err != nil {
			return service.Request{}, err
		}
		req.Center = &center
	}
	return req, nil
}

func parseCenter(s string) (vina.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return vina.Vec3{}, fmt.Errorf("center %q: expected x,y,z", s)
	}
	var xyz [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return vina.Vec3{}, fmt.Errorf("center %q: %w", s, err)
		}
		xyz[i] = v
	}
	return vina.Vec3{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

func submit(w io.Writer, req service.Request) error {
	dir := config.Service.InboxPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	path, err := service.WriteRequest(dir, req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s request written to %s\n", req.Action, path)
	return err
}

func printQueue(w io.Writer, cfgs []*vina.RunConfiguration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRY\tRECEPTOR\tLIGAND\tSITE\tSCHEDULED")
	for _, c := range cfgs {
		fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\t%s\t%s\n",
			c.ID,
			c.Try(c.RetriesLeft), c.RepeatCount,
			c.Params.Receptor,
			c.Params.Ligand,
			c.ActiveSite,
			time.UnixMilli(c.ScheduleTime).Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

func printHistory(ctx context.Context, w io.Writer, db *sql.DB, limit int) error {
	rows, err := history.List(ctx, db, limit)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return err
		}
	}
	return nil
}

func printRun(ctx context.Context, w io.Writer, db *sql.DB, uuid string) error {
	r, err := history.Get(ctx, db, uuid)
	if err != nil {
		return fmt.Errorf("run %s: %w", uuid, err)
	}
	_, err = fmt.Fprintln(w, r.String())
	return err
}

func deleteRun(ctx context.Context, w io.Writer, db *sql.DB, uuid string) error {
	if err := history.Delete(ctx, db, uuid); err != nil {
		return fmt.Errorf("run %s: %w", uuid, err)
	}
	_, err := fmt.Fprintf(w, "deleted %s\n", uuid)
	return err
}
