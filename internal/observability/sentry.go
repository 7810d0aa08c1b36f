package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// Headers that carry credentials. Reports keep the header name so it is clear
// one was present.
var scrubbedHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key"}

const scrubbedValue = "[filtered]"

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
	})
}

// scrubEvent strips tokens and request bodies before an event leaves the process.
func scrubEvent(event *sentry.Event) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	req := event.Request
	req.Cookies = ""
	req.Data = ""
	for name := range req.Headers {
		for _, sensitive := range scrubbedHeaders {
			if strings.EqualFold(name, sensitive) {
				req.Headers[name] = scrubbedValue
			}
		}
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
