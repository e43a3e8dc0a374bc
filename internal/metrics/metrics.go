// v1
// internal/metrics/metrics.go
// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalebridge_messages_total",
		Help: "Transport messages seen by the decoder, by result",
	}, []string{"result"})

	readingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalebridge_readings_total",
		Help: "Decoded readings by pipeline outcome",
	}, []string{"outcome"})

	sinkResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalebridge_sink_results_total",
		Help: "Sink deliveries by sink and status",
	}, []string{"sink", "status"})

	sinkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scalebridge_sink_duration_seconds",
		Help:    "Time spent delivering a measurement to a sink",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scalebridge_breaker_state",
		Help: "Circuit breaker position (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})

	bridgeConfigState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scalebridge_bridge_config_state",
		Help: "1 for the current gateway configuration protocol state",
	}, []string{"state"})

	bridgeConfigRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalebridge_bridge_config_runs_total",
		Help: "Gateway configuration runs by result",
	}, []string{"result"})

	eventPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalebridge_event_publish_total",
		Help: "Measurement events written to Kafka, by result",
	}, []string{"result"})

	eventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scalebridge_event_queue_depth",
		Help: "Measurement events waiting for the Kafka writer",
	})

	lastMeasurement = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scalebridge_last_measurement_timestamp_seconds",
		Help: "Unix time of the last dispatched measurement per identity",
	}, []string{"identity"})

	mqttConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scalebridge_mqtt_connected",
		Help: "1 while the MQTT link is up",
	})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// IncMessage counts a decoder result.
func IncMessage(result string) { messagesTotal.WithLabelValues(result).Inc() }

// IncReading counts a pipeline outcome.
func IncReading(outcome string) { readingsTotal.WithLabelValues(outcome).Inc() }

// ObserveSink records one sink delivery.
func ObserveSink(sink, status string, elapsed time.Duration) {
	sinkResultsTotal.WithLabelValues(sink, status).Inc()
	if elapsed > 0 {
		sinkDuration.WithLabelValues(sink).Observe(elapsed.Seconds())
	}
}

// SetBreakerState exports a breaker position.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetBridgeConfigState marks state as current and clears the others.
func SetBridgeConfigState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		bridgeConfigState.WithLabelValues(s).Set(v)
	}
}

// IncBridgeConfigRun counts a finished configuration run.
func IncBridgeConfigRun(ok bool) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	bridgeConfigRuns.WithLabelValues(result).Inc()
}

// IncEventPublish counts a Kafka write result.
func IncEventPublish(result string) { eventPublishTotal.WithLabelValues(result).Inc() }

// SetEventQueueDepth reports the publisher backlog.
func SetEventQueueDepth(n int) { eventQueueDepth.Set(float64(n)) }

// SetLastMeasurement records the timestamp of the latest dispatch.
func SetLastMeasurement(identity string, at time.Time) {
	lastMeasurement.WithLabelValues(identity).Set(float64(at.Unix()))
}

// SetMQTTConnected reports the link state.
func SetMQTTConnected(up bool) {
	if up {
		mqttConnected.Set(1)
		return
	}
	mqttConnected.Set(0)
}

// SinkRecorder adapts ObserveSink to the dispatcher's recorder hook.
type SinkRecorder struct{}

// SinkResult implements dispatch.Recorder.
func (SinkRecorder) SinkResult(sink, status string, elapsed time.Duration) {
	ObserveSink(sink, status, elapsed)
}
