package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reflow"

// Metrics exports the oven state and run counters to Prometheus.
type Metrics struct {
	temperature prometheus.Gauge
	setpoint    prometheus.Gauge
	output      prometheus.Gauge
	heater      prometheus.Gauge
	fan         prometheus.Gauge
	stage       prometheus.Gauge
	pidTerm     *prometheus.GaugeVec

	samples      prometheus.Counter
	transitions  *prometheus.CounterVec
	runs         *prometheus.CounterVec
	deviceErrors prometheus.Counter
	dropped      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Oven temperature.",
		}),
		setpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "setpoint_celsius",
			Help:      "Temperature setpoint of the current stage.",
		}),
		output: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pid_output",
			Help:      "PID controller output.",
		}),
		heater: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heater_on",
			Help:      "1 when the heater is on.",
		}),
		fan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fan_on",
			Help:      "1 when the fan is on.",
		}),
		stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage",
			Help:      "Raw stage code reported by the controller.",
		}),
		pidTerm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pid_term",
			Help:      "PID terms reported by the controller.",
		}, []string{"term"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Input reports read.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Stage transitions by entered stage.",
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by result.",
		}, []string{"result"}),
		deviceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Failed exchanges with the controller.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events dropped for slow sinks.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.temperature,
		m.setpoint,
		m.output,
		m.heater,
		m.fan,
		m.stage,
		m.pidTerm,
		m.samples,
		m.transitions,
		m.runs,
		m.deviceErrors,
		m.dropped,
	)

	return m
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Handle(e Event) error {
	switch e.Type {
	case EventSample, EventStatus:
		if e.Sample == nil {
			return nil
		}
		m.observe(*e.Sample)
		if e.Type == EventSample {
			m.samples.Inc()
		}
	case EventStageChange:
		m.transitions.WithLabelValues(e.To.String()).Inc()
	case EventRunFinished:
		if e.Summary != nil {
			m.runs.WithLabelValues(string(e.Summary.Result)).Inc()
		}
	case EventDeviceError:
		m.deviceErrors.Inc()
	}
	return nil
}

// Dropped counts an event dropped for sink. It matches Hub.OnDrop.
func (m *Metrics) Dropped(sink string, _ EventType) {
	m.dropped.WithLabelValues(sink).Inc()
}

func (m *Metrics) observe(s Sample) {
	m.temperature.Set(float64(s.Temperature))
	m.setpoint.Set(float64(s.Setpoint))
	m.output.Set(float64(s.Output))
	m.heater.Set(b2f(s.Heater))
	m.fan.Set(b2f(s.Fan))
	m.stage.Set(float64(s.Stage))
	m.pidTerm.WithLabelValues("p").Set(float64(s.Terms.P))
	m.pidTerm.WithLabelValues("i").Set(float64(s.Terms.I))
	m.pidTerm.WithLabelValues("d").Set(float64(s.Terms.D))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
