package checkpoint

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateRunAndFinish(t *testing.T) {
	s := tempDB(t)

	id, err := s.CreateRun("train:\n  epochs: 1\n")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty run id")
	}

	r, err := s.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != "running" || r.AtRisk {
		t.Fatalf("fresh run should be running and not at risk: %+v", r)
	}

	if err := s.MarkAtRisk(id); err != nil {
		t.Fatalf("MarkAtRisk: %v", err)
	}
	if err := s.Finish(id, "finished"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	r, _ = s.GetRun(id)
	if r.Status != "finished" || !r.AtRisk {
		t.Fatalf("expected finished and at risk: %+v", r)
	}
}

type loopState struct {
	Step  int `json:"step"`
	Epoch int `json:"epoch"`
}

func TestSaveLatestLoad(t *testing.T) {
	s := tempDB(t)
	id, _ := s.CreateRun("{}")

	if err := s.Save(id, 100, []byte{1, 2, 3}, loopState{Step: 100, Epoch: 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(id, 200, []byte{4, 5, 6}, loopState{Step: 200, Epoch: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	latest, err := s.Latest(id)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Step != 200 || latest.ModelBlob[0] != 4 {
		t.Fatalf("wrong latest checkpoint: %+v", latest)
	}
	var st loopState
	if err := json.Unmarshal([]byte(latest.StateJSON), &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.Step != 200 || st.Epoch != 1 {
		t.Fatalf("bad state round-trip: %+v", st)
	}

	older, err := s.Load(id, 100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if older.ModelBlob[2] != 3 {
		t.Fatalf("bad blob round-trip: %v", older.ModelBlob)
	}

	steps, err := s.Steps(id)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 2 || steps[0] != 100 || steps[1] != 200 {
		t.Fatalf("bad step list: %v", steps)
	}
}

func TestDuplicateStepRejected(t *testing.T) {
	s := tempDB(t)
	id, _ := s.CreateRun("{}")
	if err := s.Save(id, 10, []byte{1}, loopState{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	err := s.Save(id, 10, []byte{2}, loopState{})
	if !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint for duplicate step, got %v", err)
	}
}

func TestLatestMissing(t *testing.T) {
	s := tempDB(t)
	id, _ := s.CreateRun("{}")
	if _, err := s.Latest(id); !errors.Is(err, ErrCheckpoint) {
		t.Fatalf("expected ErrCheckpoint, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	s := tempDB(t)
	a, _ := s.CreateRun("{}")
	b, _ := s.CreateRun("{}")

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	seen := map[string]bool{}
	for _, r := range runs {
		seen[r.ID] = true
	}
	if !seen[a] || !seen[b] {
		t.Fatalf("missing runs in list: %v", runs)
	}
}
