package audit

var LogEvent = logEvent
