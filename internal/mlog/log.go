package mlog

import (
	"fmt"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/procflow/continuum/continuation"
)

// ids returns the labelled IDs shown at the start of every log line about d.
func ids(d continuation.Descriptor) []IconWithLabel {
	return []IconWithLabel{
		ContinuationIDIcon.WithID(d.ID),
		EntityIcon.WithLabel("%s", d.Key()),
		AttemptIcon.WithLabel("%d/%d", d.AttemptCount+1, d.MaxAttempts),
	}
}

// LogDispatch logs a debug message indicating that a continuation is being
// executed.
func LogDispatch(log logging.Logger, d continuation.Descriptor, nodeID string) {
	if !logging.IsDebug(log) {
		return
	}

	logging.DebugString(
		log,
		Line{
			ids(d),
			[]Icon{DispatchIcon, retryIcon(d.AttemptCount)},
			[]string{"dispatched on " + FormatID(nodeID)},
		}.String(),
	)
}

// LogComplete logs a message indicating that a continuation's unit of work
// was committed.
func LogComplete(log logging.Logger, d continuation.Descriptor, followUps int) {
	logging.LogString(
		log,
		Line{
			ids(d),
			[]Icon{DispatchIcon, retryIcon(d.AttemptCount)},
			[]string{
				"committed",
				followUpText(followUps),
			},
		}.String(),
	)
}

// LogEnqueue logs a debug message indicating that a follow-up continuation
// has been enqueued.
func LogEnqueue(log logging.Logger, d continuation.Descriptor) {
	if !logging.IsDebug(log) {
		return
	}

	logging.DebugString(
		log,
		Line{
			[]IconWithLabel{
				ContinuationIDIcon.WithID(d.ID),
				EntityIcon.WithLabel("%s", d.Key()),
			},
			[]Icon{EnqueueIcon, ""},
			[]string{fmt.Sprintf("scheduled at %s", d.ScheduledAt.Format(time.RFC3339))},
		}.String(),
	)
}

// LogRetry logs a message indicating that a unit of work failed with a
// retryable error and will be retried.
func LogRetry(
	log logging.Logger,
	d continuation.Descriptor,
	a continuation.Attempt,
	delay time.Duration,
) {
	logging.LogString(
		log,
		Line{
			ids(d),
			[]Icon{DeferIcon, ErrorIcon},
			[]string{
				a.Cause,
				fmt.Sprintf("next retry in %s", delay),
			},
		}.String(),
	)
}

// LogDefer logs a message indicating that a continuation could not be
// executed and has been returned to the queue without consuming an attempt.
func LogDefer(
	log logging.Logger,
	d continuation.Descriptor,
	cause error,
	delay time.Duration,
) {
	logging.LogString(
		log,
		Line{
			ids(d),
			[]Icon{DeferIcon, ""},
			[]string{
				cause.Error(),
				fmt.Sprintf("deferred for %s", delay),
			},
		}.String(),
	)
}

// LogSuperseded logs a message indicating that a continuation's unit of work
// was abandoned because the continuation is now owned by the current holder of
// its lease.
func LogSuperseded(log logging.Logger, d continuation.Descriptor, cause error) {
	logging.LogString(
		log,
		Line{
			ids(d),
			[]Icon{DeferIcon, ErrorIcon},
			[]string{
				"abandoned, now owned by the current lease holder",
				cause.Error(),
			},
		}.String(),
	)
}

// LogCancel logs a message indicating that a continuation was cancelled while
// it was waiting to retry.
func LogCancel(log logging.Logger, d continuation.Descriptor) {
	logging.LogString(
		log,
		Line{
			ids(d),
			[]Icon{ParkIcon, ""},
			[]string{"cancelled while waiting to retry"},
		}.String(),
	)
}

// LogPark logs a message indicating that a continuation has been parked as an
// incident.
func LogPark(log logging.Logger, i continuation.Incident) {
	d := i.Continuation

	logging.LogString(
		log,
		Line{
			[]IconWithLabel{
				ContinuationIDIcon.WithID(d.ID),
				EntityIcon.WithLabel("%s", d.Key()),
				AttemptIcon.WithLabel("%d/%d", d.AttemptCount, d.MaxAttempts),
			},
			[]Icon{ParkIcon, ErrorIcon},
			[]string{
				i.Kind.String(),
				i.Cause,
			},
		}.String(),
	)
}

// LogSystem logs a message about the internals of the kernel.
func LogSystem(log logging.Logger, nodeID string, f string, v ...interface{}) {
	logging.LogString(
		log,
		Line{
			[]IconWithLabel{SystemIcon.WithID(nodeID)},
			nil,
			[]string{fmt.Sprintf(f, v...)},
		}.String(),
	)
}

func followUpText(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "1 follow-up enqueued"
	default:
		return fmt.Sprintf("%d follow-ups enqueued", n)
	}
}

func retryIcon(attempts int) Icon {
	if attempts == 0 {
		return ""
	}

	return RetryIcon
}
