package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/oblq/reflowctl/internal/hook"
	"github.com/oblq/reflowctl/internal/reflow"
	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/store"
	"github.com/oblq/reflowctl/internal/telemetry"
	"github.com/oblq/reflowctl/modules/reflowcontroller"
)

func newParser(a *app) (*flags.Parser, error) {
	parser := flags.NewParser(&a.options, flags.Default)
	parser.LongDescription = "Drives a USB HID reflow oven controller."

	commands := []struct {
		name, short string
		data        interface{}
	}{
		{"run", "Run a reflow cycle", &runCommand{app: a}},
		{"status", "Print the controller status", &statusCommand{app: a}},
		{"reset", "Return the controller to WAITING", &resetCommand{app: a}},
		{"list", "List USB devices", &listCommand{app: a}},
		{"serve", "Run the daemon", &serveCommand{app: a}},
		{"version", "Print the version", &versionCommand{app: a}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, "", c.data); err != nil {
			return nil, err
		}
	}

	pid, err := parser.AddCommand("pid", "Read or write the PID gains", "", &struct{}{})
	if err != nil {
		return nil, err
	}
	if _, err := pid.AddCommand("get", "Read the PID gains", "", &pidGetCommand{app: a}); err != nil {
		return nil, err
	}
	if _, err := pid.AddCommand("set", "Upload the PID gains", "Flags not given fall back to the pid section of the configuration file, then to the gains currently on the controller.", &pidSetCommand{app: a}); err != nil {
		return nil, err
	}

	profile, err := parser.AddCommand("profile", "Manage the reflow profile", "", &struct{}{})
	if err != nil {
		return nil, err
	}
	if _, err := profile.AddCommand("upload", "Upload the profile of the configuration file", "", &profileUploadCommand{app: a}); err != nil {
		return nil, err
	}

	history, err := parser.AddCommand("history", "List past runs", "", &historyCommand{app: a})
	if err != nil {
		return nil, err
	}
	history.SubcommandsOptional = true
	if _, err := history.AddCommand("show", "Show a run and its samples", "", &historyShowCommand{app: a}); err != nil {
		return nil, err
	}

	return parser, nil
}

// ---------------------------------------------------------------------------------------------------------------------

type runCommand struct {
	app *app

	Attach   bool `long:"attach" description:"follow a cycle already started on the controller"`
	NoUpload bool `long:"no-upload" description:"do not upload the configured profile and PID gains before starting"`
}

func (c *runCommand) Execute(args []string) error {
	cfg, log, closer, err := c.app.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	session := c.app.session(cfg, log)
	defer session.Close()

	if !c.Attach && !c.NoUpload {
		if err := session.UploadProfile(c.app.ctx, cfg.Profile); err != nil {
			return fmt.Errorf("upload profile: %w", err)
		}
		if cfg.PID != nil {
			if err := session.UploadPIDGains(c.app.ctx, *cfg.PID); err != nil {
				return fmt.Errorf("upload pid gains: %w", err)
			}
		}
		fmt.Fprintf(c.app.out, "profile: %s\n", profileText(cfg.Profile))
	}

	hub := telemetry.NewHub(log, cfg.Server.EventBuffer)
	defer hub.Close()
	hub.Attach(console{out: c.app.out})
	if !cfg.Hooks.Empty() {
		hub.Attach(hook.New(cfg.Hooks, log))
	}
	if cfg.Store.Enabled {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		hub.Attach(store.NewSink(db, cfg.Store.MinTempChange, log))
	}

	runner := reflow.NewRunner(session, hub, cfg.Run, log)
	summary, err := runner.Run(c.app.ctx, reflow.RunOptions{Attach: c.Attach})
	// deliver the queued events before the summary line
	hub.Close()

	if summary != nil {
		fmt.Fprintf(c.app.out, "run %s %s in %s, peak %d°C\n",
			summary.ID, summary.Result, summary.Duration().Round(time.Second), summary.PeakTemp)
	}
	return err
}

type statusCommand struct {
	app *app
}

func (c *statusCommand) Execute(args []string) error {
	cfg, log, closer, err := c.app.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	session := c.app.session(cfg, log)
	defer session.Close()

	in, err := session.Status(c.app.ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(c.app.out, statusText(in))
	return nil
}

type resetCommand struct {
	app *app
}

func (c *resetCommand) Execute(args []string) error {
	cfg, log, closer, err := c.app.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	session := c.app.session(cfg, log)
	defer session.Close()

	if err := session.Reset(c.app.ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.app.out, "controller reset")
	return nil
}

type pidGetCommand struct {
	app *app
}

func (c *pidGetCommand) Execute(args []string) error {
	cfg, log, closer, err := c.app.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	session := c.app.session(cfg, log)
	defer session.Close()

	gains, err := session.PIDGains(c.app.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.app.out, gainsText(gains))
	return nil
}

type pidSetCommand struct {
	app *app

	Kp        *uint8 `long:"kp" description:"proportional gain"`
	Ki        *uint8 `long:"ki" description:"integral gain"`
	Kd        *uint8 `long:"kd" description:"derivative gain"`
	CycleTime *uint8 `long:"cycle" description:"cycle time in seconds"`
}

func (c *pidSetCommand) Execute(args []string) error {
	cfg, log, closer, err := c.app.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	session := c.app.session(cfg, log)
	defer session.Close()

	var gains report.PIDGains
	if cfg.PID != nil {
		gains = *cfg.PID
	} else if c.Kp == nil || c.Ki == nil || c.Kd == nil || c.CycleTime == nil {
		if gains, err = session.PIDGains(c.app.ctx); err != nil {
			return fmt.Errorf("read current gains: %w", err)
		}
	}
	gains = c.apply(gains)

	if err := session.UploadPIDGains(c.app.ctx, gains); err != nil {
		return err
	}
	fmt.Fprintln(c.app.out, gainsText(gains))
	return nil
}

func (c *pidSetCommand) apply(g report.PIDGains) report.PIDGains {
	if c.Kp != nil {
		g.Kp = *c.Kp
	}
	if c.Ki != nil {
		g.Ki = *c.Ki
	}
	if c.Kd != nil {
		g.Kd = *c.Kd
	}
	if c.CycleTime != nil {
		g.CycleTime = *c.CycleTime
	}
	return g
}

type profileUploadCommand struct {
	app *app
}

func (c *profileUploadCommand) Execute(args []string) error {
	cfg, log, closer, err := c.app.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	session := c.app.session(cfg, log)
	defer session.Close()

	if err := session.UploadProfile(c.app.ctx, cfg.Profile); err != nil {
		return err
	}
	fmt.Fprintf(c.app.out, "profile uploaded: %s\n", profileText(cfg.Profile))
	return nil
}

type listCommand struct {
	app *app
}

func (c *listCommand) Execute(args []string) error {
	cfg, _, closer, err := c.app.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	if c.app.options.Simulate {
		fmt.Fprintln(c.app.out, reflowcontroller.DeviceInfo{
			VendorID:  cfg.Device.VendorID,
			ProductID: cfg.Device.ProductID,
			Speed:     "simulated",
			Match:     true,
		})
		return nil
	}

	infos, err := reflowcontroller.List(cfg.Device.Config)
	for _, info := range infos {
		fmt.Fprintln(c.app.out, info)
	}
	return err
}

type serveCommand struct {
	app *app
}

func (c *serveCommand) Execute(args []string) error {
	cfg, log, closer, err := c.app.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := newDaemon(c.app, cfg, log)
	if err != nil {
		return err
	}
	return d.Serve(c.app.ctx)
}

type historyCommand struct {
	app *app

	Limit int `short:"n" long:"limit" default:"20" description:"number of runs to list"`
}

func (c *historyCommand) Execute(args []string) error {
	db, err := c.app.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.Runs(c.app.ctx, c.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tRESULT\tPEAK\tSAMPLES")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d°C\t%d\n",
			r.ID, r.StartedAt.Format(time.DateTime), r.Duration().Round(time.Second), r.Result, r.PeakTemp, r.Samples)
	}
	return w.Flush()
}

type historyShowCommand struct {
	app *app

	Stage string `long:"stage" description:"only the samples of this stage, e.g. REFLOW"`

	Args struct {
		RunID string `positional-arg-name:"run-id" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

func (c *historyShowCommand) Execute(args []string) error {
	db, err := c.app.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	var only *report.Stage
	if c.Stage != "" {
		stage, err := report.ParseStage(strings.ToUpper(c.Stage))
		if err != nil {
			return err
		}
		only = &stage
	}

	run, err := db.Run(c.app.ctx, c.Args.RunID)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.app.out, "run %s: %s, started %s, lasted %s, peak %d°C\n",
		run.ID, run.Result, run.StartedAt.Format(time.DateTime), run.Duration().Round(time.Second), run.PeakTemp)
	if run.Error != "" {
		fmt.Fprintf(c.app.out, "error: %s\n", run.Error)
	}

	samples, err := db.Samples(c.app.ctx, run.ID)
	if err != nil {
		return err
	}
	if only != nil {
		samples = filterStage(samples, *only)
	}
	for _, s := range samples {
		fmt.Fprintln(c.app.out, sampleLine(s))
	}
	return nil
}

type versionCommand struct {
	app *app
}

func (c *versionCommand) Execute(args []string) error {
	_, err := fmt.Fprintf(c.app.out, "reflowctl %s\n", Version)
	return err
}

func (a *app) openStore() (*store.Store, error) {
	cfg, _, closer, err := a.load()
	if err != nil {
		return nil, err
	}
	closer.Close()

	if !cfg.Store.Enabled {
		return nil, errors.New("run history is disabled, enable the store section of the configuration")
	}
	return store.Open(cfg.Store.Path)
}
