package client

import (
	"context"

	"github.com/bucketco/flagcore/pkg/engine"
)

// EventReporter is the seam to the event-submission subsystem. The batch
// buffer that persists and ships events lives outside this module; the
// client only hands it freshly fetched payloads.
type EventReporter interface {
	ReportEvaluations(ctx context.Context, flags map[string]engine.Result)
}

// NopEventReporter discards all events.
type NopEventReporter struct{}

func (NopEventReporter) ReportEvaluations(context.Context, map[string]engine.Result) {}
