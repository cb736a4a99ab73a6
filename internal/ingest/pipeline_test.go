// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"errors"
	"sync"
	"testing"
)

// recordingBus guarda os updates de progresso para inspeção.
type recordingBus struct {
	stubBus
	mu       sync.Mutex
	progress []float64
	stages   []string
}

func (r *recordingBus) UpdateProgress(fileID string, p float64, received, total int, stage string) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.stages = append(r.stages, stage)
	r.mu.Unlock()
}

func (r *recordingBus) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress...)
}

func TestRequiredStages_ConditionalInclusion(t *testing.T) {
	cases := []struct {
		name string
		meta FileMetadata
		want []string
	}{
		{
			name: "baseline",
			meta: FileMetadata{Type: "application/pdf"},
			want: []string{StageUpload, StageValidation, StageProcessing, StageStorage, StageCleanup},
		},
		{
			name: "ocr",
			meta: FileMetadata{Type: "image/png", ToolResource: "ocr"},
			want: []string{StageUpload, StageValidation, StageProcessing, StageOCR, StageStorage, StageCleanup},
		},
		{
			name: "audio",
			meta: FileMetadata{Type: "audio/mpeg"},
			want: []string{StageUpload, StageValidation, StageProcessing, StageSTT, StageStorage, StageCleanup},
		},
		{
			name: "file_search",
			meta: FileMetadata{Type: "text/plain", ToolResource: "file_search"},
			want: []string{StageUpload, StageValidation, StageProcessing, StageEmbedding, StageStorage, StageCleanup},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			specs := RequiredStages(tc.meta)
			if len(specs) != len(tc.want) {
				t.Fatalf("stages = %v, want %v", stageNames(specs), tc.want)
			}
			for i, name := range tc.want {
				if specs[i].Name != name {
					t.Fatalf("stages = %v, want %v", stageNames(specs), tc.want)
				}
			}
		})
	}
}

func stageNames(specs []StageSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

func TestOrchestrator_WeightedOverallProgress(t *testing.T) {
	bus := &recordingBus{}
	o := NewOrchestrator(bus, testLogger())
	defer o.Close()

	meta := FileMetadata{Type: "application/pdf"}
	o.Init("f1", "o1", meta, RequiredStages(meta))

	// Pesos incluídos: upload .10, validation .05, processing .30,
	// storage .05, cleanup .05 → soma .55
	o.StartStage("f1", StageUpload)
	o.CompleteStage("f1", StageUpload)

	status, ok := o.Status("f1")
	if !ok {
		t.Fatal("pipeline missing")
	}
	want := 0.10 / 0.55
	if diff := status.Overall - want; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("overall after upload = %v, want %v", status.Overall, want)
	}

	o.StartStage("f1", StageValidation)
	o.UpdateStageProgress("f1", StageValidation, 0.5, 0, 0)
	status, _ = o.Status("f1")
	want = (0.10 + 0.05*0.5) / 0.55
	if diff := status.Overall - want; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("overall mid-validation = %v, want %v", status.Overall, want)
	}
}

func TestOrchestrator_OverallNeverDecreases(t *testing.T) {
	bus := &recordingBus{}
	o := NewOrchestrator(bus, testLogger())
	defer o.Close()

	meta := FileMetadata{Type: "application/pdf"}
	o.Init("f1", "o1", meta, RequiredStages(meta))

	o.StartStage("f1", StageUpload)
	o.UpdateStageProgress("f1", StageUpload, 0.9, 9, 10)
	o.UpdateStageProgress("f1", StageUpload, 0.4, 4, 10) // update atrasado
	o.CompleteStage("f1", StageUpload)
	o.StartStage("f1", StageValidation)
	o.UpdateStageProgress("f1", StageValidation, 0.2, 0, 0)

	last := -1.0
	for _, p := range bus.snapshot() {
		if p < last {
			t.Fatalf("overall progress decreased: %v after %v", p, last)
		}
		last = p
	}
}

func TestOrchestrator_CompletionMarksTerminal(t *testing.T) {
	bus := &recordingBus{}
	o := NewOrchestrator(bus, testLogger())
	defer o.Close()

	meta := FileMetadata{Type: "application/pdf"}
	o.Init("f1", "o1", meta, RequiredStages(meta))

	for _, spec := range RequiredStages(meta) {
		o.StartStage("f1", spec.Name)
		o.CompleteStage("f1", spec.Name)
	}

	status, ok := o.Status("f1")
	if !ok {
		t.Fatal("terminal pipeline should remain queryable during grace")
	}
	if !status.Terminal || status.Failed {
		t.Errorf("status = %+v, want terminal success", status)
	}
	if status.Overall != 1 {
		t.Errorf("overall = %v, want 1", status.Overall)
	}

	if err := o.StartStage("f1", StageUpload); !IsKind(err, KindConflict) {
		t.Errorf("start on terminal pipeline kind = %v, want conflict", KindOf(err))
	}
}

func TestOrchestrator_RecoverableErrorKeepsPipelineAlive(t *testing.T) {
	bus := &recordingBus{}
	o := NewOrchestrator(bus, testLogger())
	defer o.Close()

	meta := FileMetadata{Type: "application/pdf"}
	o.Init("f1", "o1", meta, RequiredStages(meta))
	o.StartStage("f1", StageProcessing)

	o.HandleStageError("f1", StageProcessing, errors.New("network glitch"), true)

	status, _ := o.Status("f1")
	if status.Terminal {
		t.Fatal("recoverable error should not terminate the pipeline")
	}
	if status.Stages[2].Status != StageError {
		t.Errorf("processing status = %s, want error", status.Stages[2].Status)
	}

	if err := o.RestartStage("f1", StageProcessing); err != nil {
		t.Fatalf("RestartStage: %v", err)
	}
	status, _ = o.Status("f1")
	if status.Stages[2].Status != StageRunning {
		t.Errorf("processing after restart = %s, want running", status.Stages[2].Status)
	}
}

func TestOrchestrator_NonRecoverableErrorFailsAndNotifies(t *testing.T) {
	bus := &recordingBus{}
	o := NewOrchestrator(bus, testLogger())
	defer o.Close()

	meta := FileMetadata{Type: "application/pdf"}
	o.Init("f1", "o1", meta, RequiredStages(meta))
	o.StartStage("f1", StageProcessing)

	o.HandleStageError("f1", StageProcessing, errors.New("unsupported format"), false)

	status, _ := o.Status("f1")
	if !status.Terminal || !status.Failed {
		t.Errorf("status = %+v, want terminal failure", status)
	}
	if bus.errorCount() != 1 {
		t.Errorf("errorSession emissions = %d, want 1", bus.errorCount())
	}
	if err := o.RestartStage("f1", StageProcessing); !IsKind(err, KindConflict) {
		t.Errorf("restart on failed pipeline kind = %v, want conflict", KindOf(err))
	}
}

func TestOrchestrator_UnknownFileAndStage(t *testing.T) {
	o := NewOrchestrator(&recordingBus{}, testLogger())
	defer o.Close()

	if err := o.StartStage("ghost", StageUpload); !IsKind(err, KindNotFound) {
		t.Errorf("unknown file kind = %v, want not_found", KindOf(err))
	}

	meta := FileMetadata{Type: "application/pdf"}
	o.Init("f1", "o1", meta, RequiredStages(meta))
	if err := o.StartStage("f1", StageOCR); !IsKind(err, KindNotFound) {
		t.Errorf("stage outside pipeline kind = %v, want not_found", KindOf(err))
	}
}

func TestOrchestrator_ActivePipelinesAndRemove(t *testing.T) {
	o := NewOrchestrator(&recordingBus{}, testLogger())
	defer o.Close()

	meta := FileMetadata{Type: "application/pdf"}
	o.Init("f1", "o1", meta, RequiredStages(meta))
	o.Init("f2", "o1", meta, RequiredStages(meta))

	if got := len(o.ActivePipelines()); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}

	o.Remove("f1")
	if _, ok := o.Status("f1"); ok {
		t.Error("removed pipeline should be gone immediately")
	}
	if got := len(o.ActivePipelines()); got != 1 {
		t.Errorf("active after remove = %d, want 1", got)
	}
}

func TestOrchestrator_HistoryRecordsTransitions(t *testing.T) {
	o := NewOrchestrator(&recordingBus{}, testLogger())
	defer o.Close()

	meta := FileMetadata{Type: "application/pdf"}
	o.Init("f1", "o1", meta, RequiredStages(meta))
	o.StartStage("f1", StageUpload)
	o.CompleteStage("f1", StageUpload)

	status, _ := o.Status("f1")
	if len(status.History) != 2 {
		t.Fatalf("history = %+v, want 2 entries", status.History)
	}
	if status.History[0].To != StageRunning || status.History[1].To != StageCompleted {
		t.Errorf("history = %+v", status.History)
	}
	if status.History[1].Time.Before(status.History[0].Time) {
		t.Error("history timestamps out of order")
	}
}
