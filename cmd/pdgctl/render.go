package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"product-data-generator/internal/bulk"
	"product-data-generator/internal/models"
	"product-data-generator/internal/templates"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

const stampLayout = "2006-01-02 15:04"

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func progressLabel(p models.Progress) string {
	label := fmt.Sprintf("%d/%d done", p.Resolved(), p.Total)
	if p.Failed > 0 {
		label += fmt.Sprintf(", %d failed", p.Failed)
	}
	return label
}

func renderQueues(queues []models.Queue) string {
	rows := make([][]string, 0, len(queues))
	for _, q := range queues {
		rows = append(rows, []string{
			q.ID,
			q.Title,
			string(q.Status),
			progressLabel(q.Progress),
			strconv.Itoa(q.Remaining),
			q.UpdatedAt.Local().Format(stampLayout),
		})
	}
	return renderTable(
		[]string{"ID", "Title", "Status", "Progress", "Pending", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func renderQueueDetail(q models.Queue, colorize bool) string {
	var tasks []string
	for _, t := range q.EnabledTasks() {
		label := t.ID
		if t.SkipIfGenerated {
			label += " (skip generated)"
		}
		tasks = append(tasks, label)
	}
	lines := []string{
		fmt.Sprintf("Queue:     %s", q.ID),
		fmt.Sprintf("Title:     %s", q.Title),
		fmt.Sprintf("Status:    %s", colorStatus(q.Status, colorize)),
		fmt.Sprintf("Selector:  %s", q.Selector),
		fmt.Sprintf("Tasks:     %s", strings.Join(tasks, ", ")),
		fmt.Sprintf("Batch:     %d items every %s", q.BatchSize, q.Delay()),
		fmt.Sprintf("Progress:  %s", progressLabel(q.Progress)),
		fmt.Sprintf("Pending:   %d", q.Remaining),
	}
	if q.Progress.CurrentProductID != 0 {
		lines = append(lines, fmt.Sprintf("Current:   product %d", q.Progress.CurrentProductID))
	}
	return strings.Join(lines, "\n")
}

func colorStatus(s models.QueueStatus, colorize bool) string {
	if !colorize {
		return string(s)
	}
	switch s {
	case models.QueueCompleted:
		return ansiGreen + string(s) + ansiReset
	case models.QueueProcessing, models.QueuePaused:
		return ansiYellow + string(s) + ansiReset
	case models.QueueFailed:
		return ansiRed + string(s) + ansiReset
	default:
		return string(s)
	}
}

func renderResults(results map[string]models.ItemResult) string {
	list := make([]models.ItemResult, 0, len(results))
	for _, r := range results {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ProductID != list[j].ProductID {
			return list[i].ProductID < list[j].ProductID
		}
		return list[i].TaskID < list[j].TaskID
	})
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		outcome := "ok"
		switch {
		case r.Skipped:
			outcome = "skipped"
		case !r.Success:
			outcome = "failed"
		}
		rows = append(rows, []string{strconv.FormatInt(r.ProductID, 10), r.TaskID, outcome, r.Message, r.Timestamp.Local().Format(time.TimeOnly)})
	}
	return renderTable(
		[]string{"Product", "Task", "Outcome", "Message", "At"},
		rows,
		[]columnAlignment{alignRight},
	)
}

func renderPreview(p models.Preview) string {
	rows := make([][]string, 0, len(p.PreviewProducts))
	for _, pp := range p.PreviewProducts {
		rows = append(rows, []string{strconv.FormatInt(pp.ID, 10), pp.Name, strings.Join(pp.Tasks, ", ")})
	}
	summary := fmt.Sprintf("%d products, %d tasks, %d generations", p.ProductCount, p.TaskCount, p.TotalGenerations)
	if len(rows) == 0 {
		return summary
	}
	return summary + "\n" + renderTable([]string{"ID", "Name", "Tasks"}, rows, []columnAlignment{alignRight})
}

func renderTemplates(defs []templates.Definition) string {
	rows := make([][]string, 0, len(defs))
	for _, d := range defs {
		rows = append(rows, []string{d.ID, d.Name, strconv.FormatFloat(d.Temperature, 'f', 2, 64), d.Description})
	}
	return renderTable(
		[]string{"ID", "Name", "Temperature", "Description"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	)
}

func renderLockLine(state bulk.LockState, colorize bool) string {
	if !state.Locked {
		line := "Processing slot: free"
		if colorize {
			return ansiGreen + line + ansiReset
		}
		return line
	}
	line := "Processing slot: held by queue " + state.QueueID
	if colorize {
		return ansiYellow + line + ansiReset
	}
	return line
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
