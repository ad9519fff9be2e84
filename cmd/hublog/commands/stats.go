package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/statehub-protocol/statehub-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Connections       map[string]*ConnectionStats
	Methods           map[string]*MethodStats
	TokenActions      map[string]int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Requests  int
	Pushes    int
}

// MethodStats holds per-method request statistics.
type MethodStats struct {
	Requests  int
	Replies   int
	TotalRTT  time.Duration
	RTTSample int
}

// AvgRTT returns the average round trip time, or 0 if no replies
// carried one.
func (m *MethodStats) AvgRTT() time.Duration {
	if m.RTTSample == 0 {
		return 0
	}
	return m.TotalRTT / time.Duration(m.RTTSample)
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Connections:       make(map[string]*ConnectionStats),
		Methods:           make(map[string]*MethodStats),
		TokenActions:      make(map[string]int),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByCategory[event.Category]++
		stats.EventsByDirection[event.Direction]++

		// Track time range
		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		// Track connection stats
		conn, ok := stats.Connections[event.ConnectionID]
		if !ok {
			conn = &ConnectionStats{
				FirstSeen: event.Timestamp,
				LastSeen:  event.Timestamp,
			}
			stats.Connections[event.ConnectionID] = conn
		}
		conn.Events++
		if event.Timestamp.After(conn.LastSeen) {
			conn.LastSeen = event.Timestamp
		}

		// Track per-method request statistics
		if msg := event.Message; msg != nil {
			switch msg.Kind {
			case log.MessageKindRequest:
				conn.Requests++
				m := methodStats(stats, msg.Name)
				m.Requests++
			case log.MessageKindReply:
				m := methodStats(stats, msg.Name)
				m.Replies++
				if msg.RoundTrip != nil {
					m.TotalRTT += *msg.RoundTrip
					m.RTTSample++
				}
			case log.MessageKindPush:
				conn.Pushes++
			}
		}

		// Count token activity
		if event.Token != nil {
			stats.TokenActions[event.Token.Action]++
		}

		// Count errors
		if event.Error != nil {
			stats.Errors++
		}
	}

	printStats(w, stats)
	return nil
}

func methodStats(stats *Stats, name string) *MethodStats {
	m, ok := stats.Methods[name]
	if !ok {
		m = &MethodStats{}
		stats.Methods[name] = m
	}
	return m
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== StateHub Client Log Statistics ===")
	fmt.Fprintln(w)

	// Time range
	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	// Total events
	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	// Events by category
	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryToken, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	// Events by direction
	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut, log.DirectionLocal} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	// Per-method request statistics
	if len(stats.Methods) > 0 {
		fmt.Fprintln(w, "Requests by Method:")
		names := make([]string, 0, len(stats.Methods))
		for name := range stats.Methods {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m := stats.Methods[name]
			if avg := m.AvgRTT(); avg > 0 {
				fmt.Fprintf(w, "  %-20s %d (avg rtt %s)\n", name+":", m.Requests, formatDuration(avg))
			} else {
				fmt.Fprintf(w, "  %-20s %d\n", name+":", m.Requests)
			}
		}
		fmt.Fprintln(w)
	}

	// Token activity
	if len(stats.TokenActions) > 0 {
		fmt.Fprintln(w, "Token Activity:")
		actions := make([]string, 0, len(stats.TokenActions))
		for action := range stats.TokenActions {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		for _, action := range actions {
			fmt.Fprintf(w, "  %-20s %d\n", action+":", stats.TokenActions[action])
		}
		fmt.Fprintln(w)
	}

	// Connections
	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		// Sort by first seen time
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w, "")
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenConnID(c.id), c.stats.Events, duration)
			if c.stats.Requests > 0 {
				fmt.Fprintf(w, "           Requests: %d\n", c.stats.Requests)
			}
			if c.stats.Pushes > 0 {
				fmt.Fprintf(w, "           Pushes: %d\n", c.stats.Pushes)
			}
		}
	}

	// Errors
	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
