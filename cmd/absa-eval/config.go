package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/theimaginaryfoundation/anno-absa/absa"
	"github.com/theimaginaryfoundation/anno-absa/absa/provider"
)

type Config struct {
	Task        string
	LLM         string
	PoolSize    float64
	Dataset     string
	Seed        uint64
	Mode        string
	DataDir     string
	OutDir      string
	NFewShot    int
	Backend     string
	BaseURL     string
	APIKey      string
	Concurrency int
	Timeout     int
	Overwrite   bool
	Reindex     bool
	LogLevel    string
}

func (c Config) Validate() error {
	if _, err := absa.ParseTask(c.Task); err != nil {
		return err
	}
	if c.LLM == "" {
		return errors.New("missing -llm")
	}
	if c.PoolSize <= 0 || c.PoolSize > 1 {
		return errors.New("pool-size must be in (0, 1]")
	}
	if c.Dataset == "" {
		return errors.New("missing -dataset")
	}
	switch absa.Selection(c.Mode) {
	case absa.SelectRanked, absa.SelectRandom:
	default:
		return fmt.Errorf("mode must be rag or random: %q", c.Mode)
	}
	switch provider.Kind(strings.ToLower(c.Backend)) {
	case provider.KindOpenAI, provider.KindLocal, provider.KindGemini:
	default:
		return fmt.Errorf("backend must be openai, local or gemini: %q", c.Backend)
	}
	if c.DataDir == "" {
		return errors.New("missing -data-dir")
	}
	if c.OutDir == "" {
		return errors.New("missing -out-dir")
	}
	if c.NFewShot < 0 {
		return errors.New("n-few-shot must be >= 0")
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must be >= 0")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Task:        string(absa.TaskTASD),
		LLM:         "gemma3:4b",
		PoolSize:    0.2,
		Dataset:     "rest16",
		Seed:        42,
		Mode:        string(absa.SelectRanked),
		DataDir:     filepath.FromSlash("evaluation/data"),
		OutDir:      filepath.FromSlash("evaluation/predictions"),
		NFewShot:    10,
		Backend:     string(provider.KindLocal),
		Concurrency: 1,
		Timeout:     120,
		Reindex:     true,
		LogLevel:    "info",
	}
}

// splitPath is the train or test file for the configured task and dataset.
func (c Config) splitPath(split string) string {
	task, _ := absa.ParseTask(c.Task)
	return filepath.Join(c.DataDir, task.DataDir(), c.Dataset, split+".txt")
}

// outPath lays predictions out by task, model and pool size, one directory per run.
func (c Config) outPath() string {
	run := fmt.Sprintf("%s_%s_%d", c.Dataset, c.Mode, c.Seed)
	return filepath.Join(c.OutDir, c.Task, strings.ReplaceAll(c.LLM, ":", "_"), formatPoolSize(c.PoolSize), run, "predictions.json")
}

// formatPoolSize prints fractions the way the existing prediction folders are named: 0.2, 1.0.
func formatPoolSize(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
