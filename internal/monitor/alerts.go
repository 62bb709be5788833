package monitor

import "github.com/rs/zerolog/log"

// AlertSink delivers alert messages somewhere outside the process.
// Swap in a Slack/PagerDuty sink without touching Watcher.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured logger. Default sink when no
// external integration is configured.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Warn().Msg(message)
	return nil
}
