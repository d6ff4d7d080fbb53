package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

type submitResult struct {
	PromptID string          `json:"prompt_id"`
	Number   int             `json:"number"`
	State    models.JobState `json:"state"`
	Error    string          `json:"error,omitempty"`
	Images   []outputImage   `json:"images,omitempty"`
	Saved    []string        `json:"saved,omitempty"`
}

type outputImage struct {
	Node string `json:"node"`
	models.ImageRef
}

var imageColumns = []column{{Title: "Node"}, {Title: "Filename"}, {Title: "Subfolder"}, {Title: "Type"}}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var wait bool
	var downloadDir string

	cmd := &cobra.Command{
		Use:   "submit <workflow.json>",
		Short: "Queue a workflow, optionally waiting for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflow, err := readWorkflow(args[0])
			if err != nil {
				return err
			}
			if downloadDir != "" {
				wait = true
			}
			return ctx.withClient(cmd, func(client *comfy.Client) error {
				return runSubmit(cmd, ctx, client, workflow, wait, downloadDir)
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Follow the job until it finishes")
	cmd.Flags().StringVar(&downloadDir, "download", "", "Save output images into this directory (implies --wait)")
	return cmd
}

func readWorkflow(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(data, &nodes); err != nil || len(nodes) == 0 {
		return nil, fmt.Errorf("%s: workflow must be a non-empty JSON object", path)
	}
	return data, nil
}

func runSubmit(cmd *cobra.Command, ctx *commandContext, client *comfy.Client, workflow json.RawMessage, wait bool, downloadDir string) error {
	out := cmd.OutOrStdout()

	if wait {
		if err := client.Connect(cmd.Context()); err != nil {
			return fmt.Errorf("open event stream: %w", err)
		}
	}

	// Progress lines are written from the stream goroutine.
	var mu sync.Mutex
	obs := comfy.ObserverFuncs{
		Progress: func(j *comfy.Job, p comfy.Progress) {
			if !wait || ctx.jsonOut {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if p.Max > 0 {
				fmt.Fprintf(out, "  node %s %d/%d\n", p.Node, p.Value, p.Max)
				return
			}
			fmt.Fprintf(out, "  node %s\n", p.Node)
		},
	}

	job, err := client.Submit(cmd.Context(), workflow, obs)
	if err != nil {
		return err
	}

	res := submitResult{PromptID: job.ID(), Number: job.Number(), State: job.State()}
	if !wait {
		if ctx.jsonOut {
			return writeJSON(out, res)
		}
		fmt.Fprintf(out, "Queued prompt %s (#%d)\n", res.PromptID, res.Number)
		return nil
	}

	if !ctx.jsonOut {
		mu.Lock()
		fmt.Fprintf(out, "Queued prompt %s (#%d), waiting...\n", res.PromptID, res.Number)
		mu.Unlock()
	}

	waitErr := job.Wait(cmd.Context())
	if errors.Is(waitErr, context.Canceled) {
		// Leave nothing running on the backend after Ctrl-C.
		cancelCtx, cancel := context.WithTimeout(context.Background(), ctx.timeout)
		defer cancel()
		if err := job.Cancel(cancelCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "cancel %s: %v\n", job.ID(), err)
		}
		return waitErr
	}

	res.State = job.State()
	if waitErr != nil {
		res.Error = waitErr.Error()
	}
	res.Images = collectImages(job.Outputs())

	if downloadDir != "" && waitErr == nil {
		saved, err := downloadImages(cmd.Context(), client, res.Images, downloadDir)
		res.Saved = saved
		if err != nil {
			return err
		}
	}

	if ctx.jsonOut {
		if err := writeJSON(out, res); err != nil {
			return err
		}
		return waitErr
	}

	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "Prompt %s %s\n", res.PromptID, renderState(out, string(res.State)))
	if len(res.Images) > 0 {
		rows := make([][]string, 0, len(res.Images))
		for _, img := range res.Images {
			rows = append(rows, []string{img.Node, img.Filename, img.Subfolder, string(img.Type)})
		}
		writeTable(out, imageColumns, rows)
	}
	for _, path := range res.Saved {
		fmt.Fprintf(out, "Saved %s\n", path)
	}
	return waitErr
}

// collectImages lists the image references in a job's outputs, ordered by node id.
func collectImages(outputs map[string]json.RawMessage) []outputImage {
	nodes := make([]string, 0, len(outputs))
	for node := range outputs {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, errA := strconv.Atoi(nodes[i])
		b, errB := strconv.Atoi(nodes[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return nodes[i] < nodes[j]
	})

	var images []outputImage
	for _, node := range nodes {
		var payload struct {
			Images []models.ImageRef `json:"images"`
		}
		if err := json.Unmarshal(outputs[node], &payload); err != nil {
			continue
		}
		for _, ref := range payload.Images {
			images = append(images, outputImage{Node: node, ImageRef: ref})
		}
	}
	return images
}

func downloadImages(ctx context.Context, client *comfy.Client, images []outputImage, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	var saved []string
	for _, img := range images {
		data, err := client.View(ctx, img.ImageRef)
		if err != nil {
			return saved, fmt.Errorf("fetch %s: %w", img.Filename, err)
		}
		path := filepath.Join(dir, filepath.Base(img.Filename))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return saved, fmt.Errorf("save %s: %w", path, err)
		}
		saved = append(saved, path)
	}
	return saved, nil
}
