package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oblq/reflowctl/internal/config"
	"github.com/oblq/reflowctl/internal/oven"
	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/telemetry"
	"github.com/oblq/reflowctl/modules/reflowcontroller"
	"github.com/oblq/reflowctl/modules/simulator"
)

type globalOptions struct {
	Config   string `short:"c" long:"config" description:"configuration file" default:"reflow.yaml"`
	Verbose  bool   `short:"v" long:"verbose" description:"log debug messages"`
	Simulate bool   `long:"simulate" description:"talk to an in-memory simulated controller instead of the USB device"`

	SimulateLatency time.Duration `long:"simulate-latency" description:"delay every simulated read, e.g. 1s to run in real time"`
}

// app carries what every command needs.
type app struct {
	ctx     context.Context
	out     io.Writer
	options globalOptions

	once sync.Once
	sim  *simulator.Simulator
}

func newApp(ctx context.Context, out io.Writer) *app {
	return &app{ctx: ctx, out: out}
}

// load reads the configuration and builds the logger. The returned closer
// releases the log file, if any.
func (a *app) load() (*config.Config, *logrus.Logger, io.Closer, error) {
	cfg, err := config.Load(a.options.Config)
	if err != nil {
		return nil, nil, nil, err
	}

	log, closer, err := setupLogger(cfg.Log, a.options.Verbose)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, closer, nil
}

// simulator returns the process-wide simulated controller.
func (a *app) simulator(cfg *config.Config) *simulator.Simulator {
	a.once.Do(func() {
		a.sim = simulator.New(
			simulator.WithProfile(cfg.Profile),
			simulator.WithLatency(a.options.SimulateLatency),
		)
	})
	return a.sim
}

// session opens the controller lazily, on the first exchange.
func (a *app) session(cfg *config.Config, log logrus.FieldLogger) *oven.Session {
	var open oven.Opener
	if a.options.Simulate {
		sim := a.simulator(cfg)
		open = func() (oven.Device, error) {
			h, err := sim.Open()
			if err != nil {
				return nil, err
			}
			return h, nil
		}
	} else {
		device := cfg.Device.Config
		open = func() (oven.Device, error) {
			d, err := reflowcontroller.Open(device)
			if err != nil {
				return nil, err
			}
			entry := log.WithField("device", d.String())
			if manufacturer, product, serial, err := d.Info(); err == nil {
				entry = entry.WithFields(logrus.Fields{"manufacturer": manufacturer, "product": product, "serial": serial})
			}
			entry.Debug("usb device opened")
			return d, nil
		}
	}

	return oven.NewSession(open,
		oven.WithTimeout(cfg.Device.Timeout),
		oven.WithReadTimeout(cfg.Device.ReadTimeout),
		oven.WithWriteTimeout(cfg.Device.WriteTimeout),
		oven.WithRetries(cfg.Device.Retries),
		oven.WithLogger(log),
	)
}

// ---------------------------------------------------------------------------------------------------------------------

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// sampleLine renders a sample on one line, for the run command.
func sampleLine(s telemetry.Sample) string {
	elapsed := int(s.Elapsed.Seconds())
	return fmt.Sprintf("%02d:%02d | %-8s | %3d°C -> %3d°C | heater %-3s | fan %-3s | out %3d",
		elapsed/60, elapsed%60, s.StageName, s.Temperature, s.Setpoint, onOff(s.Heater), onOff(s.Fan), s.Output)
}

// statusText renders an input report the way the controller panel shows it.
func statusText(in report.InputReport) string {
	elapsed := in.Elapsed()
	var b strings.Builder
	fmt.Fprintf(&b, "Stage:       %s\n", in.Stage)
	fmt.Fprintf(&b, "Temperature: %d°C\n", in.Temperature)
	fmt.Fprintf(&b, "Setpoint:    %d°C\n", in.Setpoint)
	fmt.Fprintf(&b, "Heater:      %s\n", onOff(in.Heater))
	fmt.Fprintf(&b, "Fan:         %s\n", onOff(in.Fan))
	fmt.Fprintf(&b, "Time:        %02d:%02d\n", int(elapsed.Minutes()), int(elapsed.Seconds())%60)
	fmt.Fprintf(&b, "Started:     %t\n", in.Started)
	fmt.Fprintf(&b, "PID:         %s\n", gainsText(in.Gains))
	fmt.Fprintf(&b, "Terms:       P %d  I %d  D %d\n", in.Terms.P, in.Terms.I, in.Terms.D)
	fmt.Fprintf(&b, "Output:      %d\n", in.Output)
	return b.String()
}

func gainsText(g report.PIDGains) string {
	return fmt.Sprintf("Kp %d  Ki %d  Kd %d  cycle %ds", g.Kp, g.Ki, g.Kd, g.CycleTime)
}

func profileText(p report.Profile) string {
	return fmt.Sprintf("preheat %d°C, soak %d°C for %ds, reflow %d°C for %ds, cooling %d°C, bake %d°C",
		p.PreheatTemp, p.SoakTemp, p.SoakTime, p.ReflowTemp, p.ReflowTime, p.CoolingTemp, p.BakeTemp)
}

// console prints the run events.
type console struct {
	out io.Writer
}

func (c console) Name() string { return "console" }

func (c console) Handle(e telemetry.Event) error {
	var err error
	switch e.Type {
	case telemetry.EventSample:
		if e.Sample != nil {
			_, err = fmt.Fprintln(c.out, sampleLine(*e.Sample))
		}
	case telemetry.EventStageChange:
		_, err = fmt.Fprintf(c.out, "---- %s -> %s\n", e.From, e.To)
	case telemetry.EventDeviceError:
		_, err = fmt.Fprintf(c.out, "!!!! %s\n", e.Error)
	}
	return err
}
