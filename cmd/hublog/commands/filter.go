package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/statehub-protocol/statehub-go/pkg/log"
)

// FilterOptions selects which events the filter command copies into the
// output file. Connection, direction, category and time window narrow
// the scan at the reader; the payload criteria below match inside the
// events that survive it.
type FilterOptions struct {
	Output    string
	ConnID    string
	Direction string
	Category  string
	TimeStart string
	TimeEnd   string

	// Method keeps message events for one operation or push type
	// ("getState", "stateChange", ...).
	Method string

	// TokenAction keeps token events for one lifecycle action
	// ("refreshed", "takeover", "recovery", ...).
	TokenAction string

	// Target keeps message events whose target ID starts with this
	// prefix, e.g. "sys.host." for one subtree.
	Target string

	// MinRoundTrip keeps replies that took at least this long,
	// for pulling slow calls out of a large capture.
	MinRoundTrip time.Duration
}

// readerFilter translates the scan-level criteria into a log.Filter.
func (o FilterOptions) readerFilter() (log.Filter, error) {
	filter := log.Filter{ConnectionID: o.ConnID}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if o.Direction != "" {
		d, err := ParseDirectionFlag(o.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := ParseCategoryFlag(o.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	return filter, nil
}

// matchPayload applies the payload criteria to one event.
func (o FilterOptions) matchPayload(event log.Event) bool {
	if o.Method != "" {
		if event.Message == nil || event.Message.Name != o.Method {
			return false
		}
	}
	if o.TokenAction != "" {
		if event.Token == nil || event.Token.Action != o.TokenAction {
			return false
		}
	}
	if o.Target != "" {
		if event.Message == nil || !strings.HasPrefix(event.Message.TargetID, o.Target) {
			return false
		}
	}
	if o.MinRoundTrip > 0 {
		if event.Message == nil || event.Message.RoundTrip == nil ||
			*event.Message.RoundTrip < o.MinRoundTrip {
			return false
		}
	}
	return true
}

// RunFilter copies the events matching opts from path into opts.Output.
// The output keeps the binary log format, so view, export and stats can
// consume it directly.
func RunFilter(path string, opts FilterOptions) error {
	filter, err := opts.readerFilter()
	if err != nil {
		return err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	writer, err := log.NewFileLogger(opts.Output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer writer.Close()

	kept := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if !opts.matchPayload(event) {
			continue
		}
		writer.Log(event)
		kept++
	}

	fmt.Printf("Wrote %d matching event(s) to %s\n", kept, opts.Output)
	return nil
}
