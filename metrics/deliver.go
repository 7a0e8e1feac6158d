// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDeliver = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailout_deliver_total",
			Help: "Message delivery attempts, by transport and result.",
		},
		[]string{
			"transport", // smtp, sendmail, ses, file, pipe
			"result",    // ok, error, interrupted
		},
	)
	metricDeadLetter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailout_deadletter_total",
			Help: "Messages saved as dead letter after a failed send.",
		},
	)
)

// DeliverInc counts a delivery attempt.
func DeliverInc(transport, result string) {
	metricDeliver.WithLabelValues(transport, result).Inc()
}

// DeadLetterInc counts a message saved as dead letter.
func DeadLetterInc() {
	metricDeadLetter.Inc()
}

// WriteTextfile writes all registered metrics to path, in the text format
// read by the node_exporter textfile collector. The file is written under a
// temporary name and renamed.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics to textfile: %w", err)
	}
	return nil
}
