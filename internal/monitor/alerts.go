package monitor

import "log"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log. It is the default sink
// when no external delivery channel is configured.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("alert: %s", message)
	return nil
}
