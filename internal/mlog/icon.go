package mlog

import (
	"fmt"
	"io"

	"github.com/dogmatiq/iago/must"
)

const (
	// ContinuationIDIcon is the icon shown directly before a continuation ID.
	// It is an "equals sign", indicating that this continuation "has exactly"
	// the displayed ID.
	ContinuationIDIcon Icon = "="

	// EntityIcon is the icon shown directly before an entity key. It is the
	// mathematical "therefore" symbol, representing the state that changes as
	// a result of the continuation.
	EntityIcon Icon = "∴"

	// AttemptIcon is the icon shown directly before an attempt number. It is
	// the "number sign".
	AttemptIcon Icon = "#"

	// DispatchIcon is the icon shown to indicate that a continuation is being
	// executed. It is a downward pointing arrow, as the continuation is
	// "pulled" from the queue.
	DispatchIcon Icon = "▼"

	// EnqueueIcon is the icon shown to indicate that a follow-up continuation
	// is being enqueued. It is an upward pointing arrow, as the continuation
	// is "pushed" to the queue.
	EnqueueIcon Icon = "▲"

	// DeferIcon is a variant of DispatchIcon used when a continuation could
	// not be executed and is returned to the queue. It is a hollow version of
	// the dispatch icon, indicating that the work remains "unfulfilled".
	DeferIcon Icon = "▽"

	// RetryIcon is an icon used when a unit of work is being re-attempted. It
	// is an open-circle with an arrow, indicating that the continuation has
	// "come around again".
	RetryIcon Icon = "↻"

	// ParkIcon is the icon shown when a continuation is parked as an incident.
	// It is a circled division slash, indicating that the continuation has
	// stopped.
	ParkIcon Icon = "⊘"

	// ErrorIcon is the icon shown when logging information about an error.
	// It is a heavy cross, indicating a failure.
	ErrorIcon Icon = "✖"

	// SystemIcon is an icon shown when a log message relates to the internals
	// of the kernel, such as leases and the sweeper. It is a sprocket,
	// representing the inner workings of the machine.
	SystemIcon Icon = "⚙"

	// SeparatorIcon is an icon used to separate strings of unrelated text
	// inside a log message. It is a large bullet, intended to have a large
	// visual impact.
	SeparatorIcon Icon = "●"
)

// Icon is a unicode symbol used as an icon in log messages.
type Icon string

func (i Icon) String() string {
	return string(i)
}

// WriteTo writes a string representation of the icon to w.
// If i is the zero-value, a single space is rendered.
func (i Icon) WriteTo(w io.Writer) (int64, error) {
	s := i.String()
	if i == "" {
		s = " "
	}

	n, err := io.WriteString(w, s)
	return int64(n), err
}

// WithLabel return an IconWithLabel containing this icon and the given label.
func (i Icon) WithLabel(f string, v ...interface{}) IconWithLabel {
	return IconWithLabel{
		i,
		formatLabel(fmt.Sprintf(f, v...)),
	}
}

// WithID return an IconWithLabel containing this icon and an ID as its label.
//
// The id is formatted using FormatID().
func (i Icon) WithID(id string) IconWithLabel {
	return i.WithLabel("%s", FormatID(id))
}

// IconWithLabel is a container for an icon and its associated text label.
type IconWithLabel struct {
	Icon  Icon
	Label string
}

func (i IconWithLabel) String() string {
	return i.Icon.String() + " " + i.Label
}

// WriteTo writes a string representation of the icon and its label to w.
func (i IconWithLabel) WriteTo(w io.Writer) (_ int64, err error) {
	defer must.Recover(&err)

	n := must.WriteTo(w, i.Icon)
	n += must.Write(w, space1)
	n += must.WriteString(w, i.Label)

	return int64(n), err
}

// FormatID formats a continuation ID or node ID for logging.
//
// If the ID appears to be a UUID, only the first 8 characters are shown.
// Otherwise, the ID is displayed in-full.
func FormatID(id string) string {
	if len(id) == 36 && id[8] == '-' {
		return id[:8]
	}

	return id
}

// formatLabel formats a label for display.
func formatLabel(label string) string {
	if label == "" {
		return "-"
	}

	return label
}
