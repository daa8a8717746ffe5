package stage

import (
	"errors"
	"fmt"
	"testing"
)

func TestFoldStopsAtFirstFatal(t *testing.T) {
	var f Fold
	if !f.Add(Success(Compile, "built"), Soft(Deps, "missing", nil, "icon not found")) {
		t.Fatalf("fold halted without a fatal result")
	}
	cause := errors.New("disk full")
	if f.Add(Fatal(Archive, 5, cause, "write archive"), Success(Envelope, "signed")) {
		t.Fatalf("expected fold to halt")
	}
	if !f.Halted() {
		t.Fatalf("expected Halted")
	}
	if got := len(f.Results()); got != 3 {
		t.Fatalf("expected 3 folded results, got %d", got)
	}
	if got := len(f.Warnings()); got != 1 {
		t.Fatalf("expected 1 warning, got %d", got)
	}
	fatal, ok := f.Fatal()
	if !ok || fatal.Stage != Archive {
		t.Fatalf("unexpected fatal result %+v", fatal)
	}
	if !errors.Is(f.Err(), cause) {
		t.Fatalf("fatal error should wrap its cause: %v", f.Err())
	}
	if f.Add(Fatal(Compile, 2, nil, "late")) {
		t.Fatalf("fold must stay halted")
	}
	if fatal, _ := f.Fatal(); fatal.Stage != Archive {
		t.Fatalf("first fatal result must be preserved, got %s", fatal.Stage)
	}
}

func TestExitCode(t *testing.T) {
	err := fmt.Errorf("release: %w", Fatal(Compile, 101, nil, "compile failed").Err)
	if got := ExitCode(err, 1); got != 101 {
		t.Fatalf("exit code = %d, want 101", got)
	}
	if got := ExitCode(errors.New("plain"), 1); got != 1 {
		t.Fatalf("exit code = %d, want fallback 1", got)
	}
}

func TestErrorMessageNamesStage(t *testing.T) {
	r := Fatal(Compile, 3, nil, "build reported success but artifact %s is missing", "app.exe")
	want := "compile: build reported success but artifact app.exe is missing"
	if r.Err.Error() != want {
		t.Fatalf("error = %q, want %q", r.Err.Error(), want)
	}
}
