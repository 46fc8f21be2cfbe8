package definition

import (
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/workflows/request.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	wf := def.Workflow
	if wf.ID != "wf-request" {
		t.Errorf("ID = %q, want wf-request", wf.ID)
	}
	if wf.Name != "Request" {
		t.Errorf("Name = %q, want Request", wf.Name)
	}
	if len(wf.Statuses) != 4 {
		t.Fatalf("Statuses = %d, want 4", len(wf.Statuses))
	}
	if wf.Statuses[0].ID != "st-new" {
		t.Errorf("Statuses[0].ID = %q, want st-new", wf.Statuses[0].ID)
	}
	if len(wf.Statuses[0].Items) != 2 {
		t.Fatalf("Statuses[0].Items = %d, want 2", len(wf.Statuses[0].Items))
	}
	accept := wf.Statuses[0].Items[0]
	if accept.Kind != "choice" || accept.Label != "Accept" || accept.TargetStatusID != "st-review" {
		t.Errorf("accept item = %+v", accept)
	}
	timeout, ok := wf.Statuses[1].Item("i-timeout")
	if !ok {
		t.Fatal("i-timeout not found")
	}
	if timeout.Mode != "timeout" || timeout.TimeoutSeconds != 3600 {
		t.Errorf("timeout item = %+v", timeout)
	}
	if len(wf.GlobalActions) != 1 {
		t.Fatalf("GlobalActions = %d, want 1", len(wf.GlobalActions))
	}
	if _, _, ok := wf.WebserviceTrigger("cancel"); !ok {
		t.Error("webservice trigger cancel not found")
	}
	if len(wf.CriticalityLevels) != 2 {
		t.Errorf("CriticalityLevels = %d, want 2", len(wf.CriticalityLevels))
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/workflows/request.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/workflows"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("LoadAll() returned %d definitions, want 1", len(defs))
	}
	if defs[0].Workflow.ID != "wf-request" {
		t.Errorf("ID = %q, want wf-request", defs[0].Workflow.ID)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/nonexistent"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/invalid"})
	if err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	def1, _ := l.LoadFile("testdata/workflows/request.yaml")
	def2, _ := l.LoadFile("testdata/workflows/request.yaml")
	if def1.Checksum != def2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}
