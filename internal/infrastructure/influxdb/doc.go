// Package influxdb sends BenQ projector telemetry to InfluxDB 2.x.
//
// Two measurements are written:
//
//   - projector_state: one point per observed state change, tagged with
//     device_id and key. Numeric values land in the float field "value",
//     anything else in the string field "state".
//   - bridge_stats: dispatcher counters, written after each health report.
//
// Points are queued and sent in batches; failed batches are reported to
// the SetOnError callback. A nil *Client is valid and drops every write,
// which is how the bridge runs with telemetry disabled:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil && !errors.Is(err, influxdb.ErrDisabled) {
//	    return err
//	}
//	defer client.Close()
package influxdb
