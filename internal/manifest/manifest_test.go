package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/musterhq/muster/internal/model"
)

const sampleManifest = `
name: crack-prop
runs:
  - name: preprocess
    exe: ./prep
    args: ["-v"]
    env:
      OMP_NUM_THREADS: "4"
exchange:
  clustered: true
  allocation: "1234"
  port: 7000
  nodes: 3
ensembles:
  - name: sweep
    allocation: "1234"
    members:
      - name: sweep_0
        exe: ./sim
        nodes: 2
      - name: sweep_1
        exe: ./sim
        allocation: "5678"
connections:
  - producer: preprocess
    consumer: sweep_0
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Name != "crack-prop" {
		t.Errorf("name = %q, want crack-prop", m.Name)
	}
	if len(m.Runs) != 1 || m.Runs[0].Exe != "./prep" {
		t.Errorf("runs = %+v", m.Runs)
	}
	if m.Exchange == nil || !m.Exchange.Clustered || m.Exchange.Port != 7000 {
		t.Errorf("exchange = %+v", m.Exchange)
	}
	if len(m.Connections) != 1 || m.Connections[0].Producer != "preprocess" {
		t.Errorf("connections = %+v", m.Connections)
	}
}

func TestParseRequiresName(t *testing.T) {
	if _, err := Parse([]byte("runs: []")); err == nil {
		t.Error("manifest without a name parsed")
	}
}

func TestParseRejectsDuplicateNames(t *testing.T) {
	dup := `
name: exp
runs:
  - name: sim
    exe: ./a
ensembles:
  - name: sweep
    members:
      - name: sim
        exe: ./b
`
	if _, err := Parse([]byte(dup)); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("error = %v, want ErrAlreadyExists", err)
	}
}

func TestParseAllowsUnknownConnectionEndpoints(t *testing.T) {
	permissive := `
name: exp
connections:
  - producer: not_yet_created
    consumer: also_missing
`
	if _, err := Parse([]byte(permissive)); err != nil {
		t.Errorf("connection against unknown entities rejected: %v", err)
	}
}

func TestEntitiesAllocationInheritance(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	entities, err := m.Entities()
	if err != nil {
		t.Fatalf("Entities: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("entities = %d, want run + ensemble", len(entities))
	}

	ens, ok := entities[1].(*model.Ensemble)
	if !ok {
		t.Fatalf("entities[1] = %T, want *model.Ensemble", entities[1])
	}
	members := ens.Members()
	if members[0].Settings.AllocID != "1234" {
		t.Errorf("member without allocation = %q, want inherited 1234", members[0].Settings.AllocID)
	}
	if members[1].Settings.AllocID != "5678" {
		t.Errorf("member with own allocation = %q, want 5678", members[1].Settings.AllocID)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	if err := os.WriteFile(path, []byte(sampleManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Name != "crack-prop" {
		t.Errorf("name = %q, want crack-prop", m.Name)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load on a missing file returned nil error")
	}
}
