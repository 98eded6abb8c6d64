package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gmatbot/internal/domain"
	"gmatbot/internal/memory"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// taskAdder is the part of the user store the task commands need.
type taskAdder interface {
	AddTask(ctx context.Context, t domain.Task) (*domain.Task, error)
}

// taskEntry is one task as written in an import file.
type taskEntry struct {
	Question string   `json:"question" yaml:"question"`
	Options  []string `json:"options" yaml:"options"`
	Correct  string   `json:"correct" yaml:"correct"`
}

func (e taskEntry) task() (domain.Task, error) {
	t := domain.Task{
		Question: strings.TrimSpace(e.Question),
		Correct:  strings.TrimSpace(e.Correct),
	}
	for _, o := range e.Options {
		if o = strings.TrimSpace(o); o != "" {
			t.Options = append(t.Options, o)
		}
	}
	if t.Question == "" {
		return t, fmt.Errorf("question is empty")
	}
	if t.Correct == "" {
		return t, fmt.Errorf("correct answer is empty")
	}
	if len(t.Options) > 0 {
		found := false
		for _, o := range t.Options {
			if strings.EqualFold(o, t.Correct) {
				found = true
				break
			}
		}
		if !found {
			return t, fmt.Errorf("correct answer %q is not one of the options", t.Correct)
		}
	}
	return t, nil
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the practice tasks served by /task",
	}
	cmd.AddCommand(taskAddCmd(), taskImportCmd())
	return cmd
}

func taskAddCmd() *cobra.Command {
	var entry taskEntry
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Add one task",
		Example: `  gmatbot task add --question "2 + 2 = ?" --option 3 --option 4 --correct 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTaskStore(func(ctx context.Context, store taskAdder) error {
				n, err := importTasks(ctx, store, []taskEntry{entry})
				if err != nil {
					return err
				}
				fmt.Printf("Tasks added: %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entry.Question, "question", "", "task text")
	cmd.Flags().StringArrayVar(&entry.Options, "option", nil, "answer option (repeatable)")
	cmd.Flags().StringVar(&entry.Correct, "correct", "", "correct answer")
	cmd.MarkFlagRequired("question")
	cmd.MarkFlagRequired("correct")
	return cmd
}

func taskImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Add tasks from a JSON or YAML file",
		Long: `Reads a list of tasks (question, options, correct) from a .json,
.yaml or .yml file. Every entry is checked before anything is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readTaskFile(args[0])
			if err != nil {
				return err
			}
			return withTaskStore(func(ctx context.Context, store taskAdder) error {
				n, err := importTasks(ctx, store, entries)
				if err != nil {
					return err
				}
				fmt.Printf("Tasks imported: %d from %s\n", n, args[0])
				return nil
			})
		},
	}
}

func withTaskStore(fn func(ctx context.Context, store taskAdder) error) error {
	store, err := memory.NewSQLiteStore(resolveDBPath(resolveConfigPath()), logger)
	if err != nil {
		return fmt.Errorf("user store: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func readTaskFile(path string) ([]taskEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read task file: %w", err)
	}
	var entries []taskEntry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse task file %s: %w", path, err)
	}
	return entries, nil
}

// importTasks validates every entry, then stores them in order. It returns
// the number stored.
func importTasks(ctx context.Context, store taskAdder, entries []taskEntry) (int, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("no tasks to add")
	}
	tasks := make([]domain.Task, 0, len(entries))
	for i, e := range entries {
		t, err := e.task()
		if err != nil {
			return 0, fmt.Errorf("task %d: %w", i+1, err)
		}
		tasks = append(tasks, t)
	}
	for i, t := range tasks {
		if _, err := store.AddTask(ctx, t); err != nil {
			return i, fmt.Errorf("store task %d: %w", i+1, err)
		}
	}
	return len(tasks), nil
}
