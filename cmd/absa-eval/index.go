package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/theimaginaryfoundation/anno-absa/absa"
)

// runIndexRecord is one line of runs.jsonl: a finished run and its exact-match score.
type runIndexRecord struct {
	Task            string           `json:"task"`
	LLM             string           `json:"llm"`
	PoolSize        string           `json:"pool_size"`
	Run             string           `json:"run"`
	PredictionsPath string           `json:"predictions_path"`
	Rows            int              `json:"rows"`
	MeanSeconds     float64          `json:"mean_seconds"`
	Counts          absa.TupleCounts `json:"counts"`
	F1              float64          `json:"f1"`
}

// rebuildRunIndex rewrites indexPath from every predictions.json under outDir.
func rebuildRunIndex(outDir, indexPath string) (int, error) {
	var paths []string
	if err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == "predictions.json" {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("reindex: walk predictions: %w", err)
	}
	sort.Strings(paths)

	f, err := os.OpenFile(indexPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("reindex: open index: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 1<<20)

	n := 0
	for _, p := range paths {
		rel, err := filepath.Rel(outDir, p)
		if err != nil {
			return n, fmt.Errorf("reindex: %w", err)
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 5 {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return n, fmt.Errorf("reindex: read %s: %w", p, err)
		}
		var records []predictionRecord
		if err := json.Unmarshal(b, &records); err != nil {
			return n, fmt.Errorf("reindex: unmarshal %s: %w", p, err)
		}

		rec := runIndexRecord{
			Task:            parts[0],
			LLM:             parts[1],
			PoolSize:        parts[2],
			Run:             parts[3],
			PredictionsPath: p,
			Rows:            len(records),
		}
		var total float64
		for _, r := range records {
			total += r.Time
			rec.Counts.Add(absa.CountTuples(r.Predicted, r.Gold))
		}
		if len(records) > 0 {
			rec.MeanSeconds = total / float64(len(records))
		}
		rec.F1 = rec.Counts.F1()

		line, err := json.Marshal(rec)
		if err != nil {
			return n, fmt.Errorf("reindex: marshal: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return n, fmt.Errorf("reindex: write: %w", err)
		}
		n++
	}
	return n, w.Flush()
}
