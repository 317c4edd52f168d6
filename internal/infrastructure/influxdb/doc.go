// Package influxdb provides time-series metrics for DeepSeek Control.
//
// The controller records rule evaluation outcomes, LLM token usage,
// rate-limit suspensions, and account quota snapshots. Writes are
// batched and non-blocking so the evaluation loop is never held up by
// a slow or unavailable metrics backend.
//
// InfluxDB is optional: when disabled in configuration, Connect returns
// ErrDisabled and callers run without metrics.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // Run without metrics
//	}
//	defer client.Close()
//
//	client.WriteEvaluation("morning_lights", "deepseek/deepseek-chat",
//	    "completed", 1200*time.Millisecond, 2)
package influxdb
