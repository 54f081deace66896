package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	MessagesByType    map[wire.MessageType]int
	CloseCauses       map[wire.CloseCause]int
	Connections       map[string]*ConnectionStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen      time.Time
	LastSeen       time.Time
	Events         int
	Role           log.Role
	PeerID         string
	LastState      string
	Established    int
	VerifierRounds int
	BytesOut       int
	BytesIn        int
}

// CollectStats reads the events matching filter and aggregates them.
func CollectStats(path string, filter log.Filter) (*Stats, error) {
	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		MessagesByType:    make(map[wire.MessageType]int),
		CloseCauses:       make(map[wire.CloseCause]int),
		Connections:       make(map[string]*ConnectionStats),
	}

	err := each(path, filter, func(event log.Event) error {
		stats.add(event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{
			FirstSeen: event.Timestamp,
			LastSeen:  event.Timestamp,
			Role:      event.LocalRole,
		}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if event.PeerID != "" && conn.PeerID == "" {
		conn.PeerID = event.PeerID
	}

	switch {
	case event.Message != nil:
		s.MessagesByType[event.Message.Type]++
		if event.Message.CloseCause != nil {
			s.CloseCauses[*event.Message.CloseCause]++
		}
		if event.Message.Type == wire.MsgData {
			if event.Direction == log.DirectionOut {
				conn.BytesOut += event.Message.Size
			} else {
				conn.BytesIn += event.Message.Size
			}
		}

	case event.StateChange != nil:
		sc := event.StateChange
		switch sc.Entity {
		case log.StateEntityFSM:
			conn.LastState = sc.NewState
			if sc.NewState == "ESTABLISHED" {
				conn.Established++
			}
		case log.StateEntityVerifier:
			if sc.NewState == "RUNNING" {
				conn.VerifierRounds++
			}
		}

	case event.Error != nil:
		s.Errors++
	}
}

// RunStats prints statistics about the events matching filter.
func RunStats(path string, filter log.Filter, w io.Writer) error {
	stats, err := CollectStats(path, filter)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== IDSCP2 Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerProtocol, log.LayerAttestation} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.MessagesByType) > 0 {
		fmt.Fprintln(w, "Messages by Type:")
		for t := wire.MsgHello; t.Valid(); t++ {
			if count := stats.MessagesByType[t]; count > 0 {
				fmt.Fprintf(w, "  %-20s %d\n", t.String()+":", count)
			}
		}
		fmt.Fprintln(w)
	}

	if len(stats.CloseCauses) > 0 {
		fmt.Fprintln(w, "Close Causes:")
		causes := make([]wire.CloseCause, 0, len(stats.CloseCauses))
		for c := range stats.CloseCauses {
			causes = append(causes, c)
		}
		sort.Slice(causes, func(i, j int) bool { return causes[i] < causes[j] })
		for _, c := range causes {
			fmt.Fprintf(w, "  %-32s %d\n", c.String()+":", stats.CloseCauses[c])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
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

		fmt.Fprintln(w)
		for _, c := range conns {
			cs := c.stats
			duration := cs.LastSeen.Sub(cs.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %s, %d events, duration %s\n", shortenConnID(c.id), cs.Role, cs.Events, duration)
			if cs.PeerID != "" {
				fmt.Fprintf(w, "           Peer: %s\n", cs.PeerID)
			}
			if cs.LastState != "" {
				fmt.Fprintf(w, "           State: %s (established %d times, %d verifier rounds)\n",
					cs.LastState, cs.Established, cs.VerifierRounds)
			}
			if cs.BytesIn > 0 || cs.BytesOut > 0 {
				fmt.Fprintf(w, "           Data: %d bytes in, %d bytes out\n", cs.BytesIn, cs.BytesOut)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
