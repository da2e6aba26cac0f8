package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/nourish/backend/internal/models"
	syncpkg "github.com/kimhsiao/nourish/backend/internal/sync"
)

const (
	outputTable = "table"
	outputYAML  = "yaml"
	outputJSON  = "json"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(1)
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(20)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// encode writes v as YAML or JSON. It reports false for table output.
func (c *cli) encode(w io.Writer, v interface{}) (bool, error) {
	switch c.output {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	}
	return false, nil
}

func renderTable(w io.Writer, headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, warnStyle.Render("(none)"))
		return err
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

// ===== Records =====

// recordView is the YAML/JSON shape of a record: the snapshot plus the
// local bookkeeping the snapshot omits.
type recordView struct {
	Kind       models.Kind            `json:"kind" yaml:"kind"`
	ID         string                 `json:"id" yaml:"id"`
	SyncStatus models.SyncStatus      `json:"sync_status" yaml:"sync_status"`
	Data       map[string]interface{} `json:"data" yaml:"data"`
}

func toView(r models.Record) (recordView, error) {
	v := recordView{Kind: r.Kind(), ID: r.Meta().ID, SyncStatus: r.Meta().SyncStatus}
	raw, err := models.EncodeRecord(r)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v.Data); err != nil {
		return v, err
	}
	return v, nil
}

func (c *cli) renderRecords(w io.Writer, records []models.Record) error {
	if c.output != outputTable {
		views := make([]recordView, 0, len(records))
		for _, r := range records {
			v, err := toView(r)
			if err != nil {
				return err
			}
			views = append(views, v)
		}
		_, err := c.encode(w, views)
		return err
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		occurred := "-"
		if t := r.OccurredAt(); !t.IsZero() {
			occurred = t.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			r.Meta().ID,
			string(r.Meta().SyncStatus),
			occurred,
			formatMillis(r.Meta().LastModified),
		})
	}
	return renderTable(w, []string{"ID", "STATUS", "OCCURRED", "LAST MODIFIED"}, rows)
}

// ===== Sync =====

func (c *cli) renderStatus(w io.Writer, st syncpkg.Status) error {
	if ok, err := c.encode(w, st); ok {
		return err
	}

	connected := warnStyle.Render("offline")
	if st.IsConnected {
		connected = okStyle.Render("online")
	}
	failed := strconv.Itoa(st.FailedOperations)
	if st.FailedOperations > 0 {
		failed = errorStyle.Render(failed)
	}
	lines := [][2]string{
		{"Network", connected},
		{"Pending operations", strconv.Itoa(st.PendingOperations)},
		{"Failed operations", failed},
		{"Syncing", strconv.FormatBool(st.IsSyncing)},
		{"Last attempt", formatTime(st.LastSyncAttempt)},
		{"Last success", formatTime(st.LastSyncSuccess)},
	}
	if st.LastError != "" {
		lines = append(lines, [2]string{"Last error", errorStyle.Render(st.LastError)})
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(l[0]), l[1])); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

// outcomeView flattens a cycle outcome for YAML/JSON output.
type outcomeView struct {
	Attempted    int                     `json:"attempted" yaml:"attempted"`
	Pushed       int                     `json:"pushed" yaml:"pushed"`
	Superseded   int                     `json:"superseded" yaml:"superseded"`
	Retried      int                     `json:"retried" yaml:"retried"`
	DeadLettered int                     `json:"dead_lettered" yaml:"dead_lettered"`
	Purged       int                     `json:"purged" yaml:"purged"`
	TotalFailed  int                     `json:"total_failed" yaml:"total_failed"`
	DurationMS   int64                   `json:"duration_ms" yaml:"duration_ms"`
	Pulled       map[string]pullKindView `json:"pulled,omitempty" yaml:"pulled,omitempty"`
}

type pullKindView struct {
	Fetched  int `json:"fetched" yaml:"fetched"`
	Imported int `json:"imported" yaml:"imported"`
	Skipped  int `json:"skipped" yaml:"skipped"`
	Rejected int `json:"rejected" yaml:"rejected"`
	Pruned   int `json:"pruned" yaml:"pruned"`
}

func newOutcomeView(o syncpkg.CycleOutcome) outcomeView {
	var v outcomeView
	if p := o.Push; p != nil {
		v = outcomeView{
			Attempted:    p.Attempted,
			Pushed:       p.Pushed,
			Superseded:   p.Superseded,
			Retried:      p.Retried,
			DeadLettered: p.DeadLettered,
			Purged:       p.Purged,
			TotalFailed:  p.TotalFailed,
			DurationMS:   p.Duration.Milliseconds(),
		}
	}
	if o.Pull != nil {
		v.Pulled = make(map[string]pullKindView, len(o.Pull.Kinds))
		for kind, k := range o.Pull.Kinds {
			v.Pulled[string(kind)] = pullKindView(k)
		}
	}
	return v
}

func (c *cli) renderOutcome(w io.Writer, o syncpkg.CycleOutcome) error {
	v := newOutcomeView(o)
	if ok, err := c.encode(w, v); ok {
		return err
	}

	summary := fmt.Sprintf("pushed %d of %d (superseded %d, retried %d, dead-lettered %d, purged %d) in %dms",
		v.Pushed, v.Attempted, v.Superseded, v.Retried, v.DeadLettered, v.Purged, v.DurationMS)
	style := okStyle
	if v.DeadLettered > 0 {
		style = errorStyle
	} else if v.Retried > 0 {
		style = warnStyle
	}
	if _, err := fmt.Fprintln(w, style.Render(summary)); err != nil {
		return err
	}
	if v.Pulled == nil {
		return nil
	}

	kinds := make([]string, 0, len(v.Pulled))
	for k := range v.Pulled {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	rows := make([][]string, 0, len(kinds))
	for _, k := range kinds {
		p := v.Pulled[k]
		rows = append(rows, []string{k, strconv.Itoa(p.Fetched), strconv.Itoa(p.Imported),
			strconv.Itoa(p.Skipped), strconv.Itoa(p.Rejected), strconv.Itoa(p.Pruned)})
	}
	return renderTable(w, []string{"COLLECTION", "FETCHED", "IMPORTED", "SKIPPED", "REJECTED", "PRUNED"}, rows)
}

// failedView is the YAML/JSON shape of a dead-lettered operation.
type failedView struct {
	ID         string `json:"id" yaml:"id"`
	Type       string `json:"type" yaml:"type"`
	Collection string `json:"collection" yaml:"collection"`
	DocumentID string `json:"document_id" yaml:"document_id"`
	Data       string `json:"data,omitempty" yaml:"data,omitempty"`
	RetryCount int    `json:"retry_count" yaml:"retry_count"`
	Error      string `json:"error" yaml:"error"`
	FailedAt   string `json:"failed_at" yaml:"failed_at"`
}

func (c *cli) renderFailed(w io.Writer, failed []models.FailedOperation) error {
	views := make([]failedView, 0, len(failed))
	for _, f := range failed {
		views = append(views, failedView{
			ID:         f.ID,
			Type:       string(f.Type),
			Collection: string(f.Collection),
			DocumentID: f.DocumentID,
			Data:       string(f.Data),
			RetryCount: f.RetryCount,
			Error:      f.Error,
			FailedAt:   f.FailedAtTime().UTC().Format(time.RFC3339),
		})
	}
	if ok, err := c.encode(w, views); ok {
		return err
	}
	rows := make([][]string, 0, len(views))
	for i, v := range views {
		rows = append(rows, []string{v.ID, v.Type, v.Collection, v.DocumentID,
			strconv.Itoa(v.RetryCount), formatMillis(failed[i].FailedAt), v.Error})
	}
	return renderTable(w, []string{"ID", "TYPE", "COLLECTION", "DOCUMENT", "RETRIES", "FAILED AT", "ERROR"}, rows)
}

// conflictView is the YAML/JSON shape of a conflict log entry.
type conflictView struct {
	Collection      string `json:"collection" yaml:"collection"`
	DocumentID      string `json:"document_id" yaml:"document_id"`
	OperationID     string `json:"operation_id" yaml:"operation_id"`
	Resolution      string `json:"resolution" yaml:"resolution"`
	LocalTimestamp  int64  `json:"local_timestamp" yaml:"local_timestamp"`
	RemoteTimestamp int64  `json:"remote_timestamp" yaml:"remote_timestamp"`
	DetectedAt      int64  `json:"detected_at" yaml:"detected_at"`
}

func (c *cli) renderConflicts(w io.Writer, entries []models.ConflictLog) error {
	views := make([]conflictView, 0, len(entries))
	for _, e := range entries {
		views = append(views, conflictView{
			Collection:      string(e.Collection),
			DocumentID:      e.DocumentID,
			OperationID:     e.OperationID,
			Resolution:      e.Resolution,
			LocalTimestamp:  e.LocalTimestamp,
			RemoteTimestamp: e.RemoteTimestamp,
			DetectedAt:      e.DetectedAt,
		})
	}
	if ok, err := c.encode(w, views); ok {
		return err
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{v.Collection, v.DocumentID, v.Resolution,
			formatMillis(v.LocalTimestamp), formatMillis(v.RemoteTimestamp), formatMillis(v.DetectedAt)})
	}
	return renderTable(w, []string{"COLLECTION", "DOCUMENT", "RESOLUTION", "LOCAL", "REMOTE", "DETECTED"}, rows)
}
