package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/idscp2/idscp2-go/pkg/log"
)

// RunExport writes the events matching filter as JSON lines or CSV.
func RunExport(path string, filter log.Filter, format string, w io.Writer) error {
	switch format {
	case "jsonl":
		encoder := json.NewEncoder(w)
		return each(path, filter, func(e log.Event) error {
			if err := encoder.Encode(e); err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			return nil
		})
	case "csv":
		return exportCSV(path, filter, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportCSV(path string, filter log.Filter, w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"timestamp", "connection_id", "direction", "layer", "category", "role", "peer_id", "type", "detail"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	err := each(path, filter, func(e log.Event) error {
		detail := ""
		switch {
		case e.Message != nil && e.Message.CloseCause != nil:
			detail = e.Message.CloseCause.String()
		case e.Message != nil:
			detail = e.Message.DataType
		case e.StateChange != nil:
			detail = e.StateChange.OldState + "->" + e.StateChange.NewState
		case e.Error != nil:
			detail = e.Error.Message
		}
		row := []string{
			e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
			e.ConnectionID,
			e.Direction.String(),
			e.Layer.String(),
			e.Category.String(),
			e.LocalRole.String(),
			e.PeerID,
			typeLabel(e),
			detail,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
	cw.Flush()
	if err != nil {
		return err
	}
	return cw.Error()
}
