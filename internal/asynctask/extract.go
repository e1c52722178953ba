package asynctask

import (
	"strings"

	"github.com/tidwall/gjson"
)

var (
	statusPaths = []string{"task_status", "status", "state", "data.task_status", "data.status", "output.task_status"}

	diagnosticPaths = []string{"message", "error.message", "errors.message", "error", "output.message", "data.message"}

	// Checked in order; the first path yielding at least one reference wins.
	outputPaths = []string{
		"output_images",
		"outputs.output_images",
		"outputs.images",
		"outputs",
		"output.images",
		"output.results",
		"images",
		"data.output_images",
		"data",
		"results",
	}

	itemFields = []string{"url", "image_url", "image", "b64_json", "path"}
)

// DefaultNormalizer understands the common async task documents: a status
// string under one of several keys, outputs either as a flat list or nested
// under an "outputs" object.
func DefaultNormalizer(raw []byte) (Snapshot, bool) {
	if !gjson.ValidBytes(raw) {
		return Snapshot{}, false
	}

	var status Status
	for _, path := range statusPaths {
		v := gjson.GetBytes(raw, path)
		if v.Type != gjson.String {
			continue
		}
		if s, ok := ParseStatus(v.Str); ok {
			status = s
			break
		}
	}
	if status == "" {
		return Snapshot{}, false
	}

	snap := Snapshot{Status: status}
	if status == StatusSucceeded {
		snap.Outputs = ExtractOutputs(raw)
	}
	for _, path := range diagnosticPaths {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String && v.Str != "" {
			snap.Diagnostic = v.Str
			break
		}
	}
	return snap, true
}

// ParseStatus maps vendor spellings to the canonical Status.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCEED", "SUCCEEDED", "SUCCESS", "SUCCESSFUL", "COMPLETED", "COMPLETE", "DONE", "FINISHED":
		return StatusSucceeded, true
	case "FAILED", "FAIL", "FAILURE", "ERROR":
		return StatusFailed, true
	case "CANCELED", "CANCELLED", "ABORTED":
		return StatusCancelled, true
	case "PENDING", "QUEUED", "QUEUING", "SUBMITTED", "STARTING", "RUNNING", "PROCESSING", "IN_PROGRESS":
		return StatusRunning, true
	}
	return "", false
}

// ExtractOutputs returns the image references of a successful task
// document. It never assumes a result is present.
func ExtractOutputs(raw []byte) []string {
	for _, path := range outputPaths {
		v := gjson.GetBytes(raw, path)
		if !v.IsArray() {
			continue
		}
		if refs := refsFromArray(v); len(refs) > 0 {
			return refs
		}
	}
	return nil
}

func refsFromArray(arr gjson.Result) []string {
	var out []string
	arr.ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.Type == gjson.String && item.Str != "":
			out = append(out, item.Str)
		case item.IsObject():
			for _, f := range itemFields {
				if v := item.Get(f); v.Type == gjson.String && v.Str != "" {
					out = append(out, v.Str)
					break
				}
			}
		}
		return true
	})
	return out
}
