package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/offlinekit/ilqlctl/internal/checkpoint"
	"github.com/offlinekit/ilqlctl/internal/trainer"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to runs database")
	runID := flag.String("run", "", "show single run detail")
	metric := flag.String("metric", "", "filter metric history to one name")
	last := flag.Int("last", 20, "show N most recent runs or metric samples")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/ilql_runs.db [--run id] [--metric name] [--last N] [--json]")
		os.Exit(2)
	}

	store, err := checkpoint.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *runID != "" {
		err = runDetailMode(store, *runID, *metric, *last, *jsonOut)
	} else {
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type runRow struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	AtRisk    bool   `json:"at_risk"`
	CreatedAt string `json:"created_at"`
}

func runListMode(store *checkpoint.Store, last int, jsonOut bool) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	rows := make([]runRow, len(runs))
	for i, r := range runs {
		rows[i] = runRow{
			RunID:     r.ID,
			Status:    r.Status,
			AtRisk:    r.AtRisk,
			CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-36s  %-10s  %-7s  %s\n", "Run", "Status", "At Risk", "Created")
	for _, r := range rows {
		risk := ""
		if r.AtRisk {
			risk = "yes"
		}
		fmt.Printf("%-36s  %-10s  %-7s  %s\n", r.RunID, r.Status, risk, r.CreatedAt)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type runDetail struct {
	runRow
	Checkpoints []checkpointRow `json:"checkpoints"`
	Metrics     []metricRow     `json:"metrics,omitempty"`
}

type checkpointRow struct {
	Step         int     `json:"step"`
	Epoch        int     `json:"epoch"`
	SkippedSteps int     `json:"skipped_steps"`
	MeanLoss     float64 `json:"mean_loss"`
	BlobBytes    int     `json:"blob_bytes"`
	CreatedAt    string  `json:"created_at"`
}

type metricRow struct {
	Step  int     `json:"step"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func runDetailMode(store *checkpoint.Store, runID, metric string, last int, jsonOut bool) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}

	steps, err := store.Steps(runID)
	if err != nil {
		return err
	}
	ckpts := make([]checkpointRow, 0, len(steps))
	for _, step := range steps {
		rec, err := store.Load(runID, step)
		if err != nil {
			return err
		}
		row := checkpointRow{
			Step:      rec.Step,
			BlobBytes: len(rec.ModelBlob),
			CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		var st trainer.TrainingState
		if json.Unmarshal([]byte(rec.StateJSON), &st) == nil {
			row.Epoch = st.Epoch
			row.SkippedSteps = st.SkippedSteps
			row.MeanLoss = st.MeanLoss()
		}
		ckpts = append(ckpts, row)
	}

	ms, err := loadMetrics(store.DB(), runID, metric, last)
	if err != nil {
		return err
	}

	detail := runDetail{
		runRow: runRow{
			RunID:     run.ID,
			Status:    run.Status,
			AtRisk:    run.AtRisk,
			CreatedAt: run.CreatedAt.Format("2006-01-02T15:04:05Z"),
		},
		Checkpoints: ckpts,
		Metrics:     ms,
	}
	if jsonOut {
		return printJSON(detail)
	}

	fmt.Printf("Run %s  status=%s at_risk=%v created=%s\n\n",
		detail.RunID, detail.Status, detail.AtRisk, detail.CreatedAt)
	fmt.Printf("%-8s  %-6s  %-8s  %10s  %10s  %s\n",
		"Step", "Epoch", "Skipped", "Mean Loss", "Blob", "Time")
	for _, c := range detail.Checkpoints {
		fmt.Printf("%-8d  %-6d  %-8d  %10.6f  %9dB  %s\n",
			c.Step, c.Epoch, c.SkippedSteps, c.MeanLoss, c.BlobBytes, c.CreatedAt)
	}
	if len(detail.Metrics) > 0 {
		fmt.Printf("\n%-8s  %-16s  %s\n", "Step", "Metric", "Value")
		for _, m := range detail.Metrics {
			fmt.Printf("%-8d  %-16s  %.6g\n", m.Step, m.Name, m.Value)
		}
	}
	return nil
}

// loadMetrics reads the sink's table directly. The table only exists once
// a run has emitted something; missing is the same as empty.
func loadMetrics(db *sql.DB, runID, metric string, last int) ([]metricRow, error) {
	var exists int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'metrics'`,
	).Scan(&exists)
	if err != nil || exists == 0 {
		return nil, err
	}

	query := `SELECT step, name, value FROM metrics WHERE run_id = ?`
	args := []any{runID}
	if metric != "" {
		query += ` AND name = ?`
		args = append(args, metric)
	}
	query += ` ORDER BY step DESC, name ASC LIMIT ?`
	args = append(args, last)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []metricRow
	for rows.Next() {
		var m metricRow
		if err := rows.Scan(&m.Step, &m.Name, &m.Value); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion detail-mode
