package protocol_test

import (
	"testing"

	"aihub/pkg/protocol"
)

func TestValidateSlug_Accepts(t *testing.T) {
	t.Parallel()

	for _, slug := range []string{"fix-auth", "worker.2", "A_b-3", "x"} {
		if err := protocol.ValidateSlug(slug); err != nil {
			t.Errorf("ValidateSlug(%q) = %v, want nil", slug, err)
		}
	}
}

func TestValidateSlug_Rejects(t *testing.T) {
	t.Parallel()

	for _, slug := range []string{"", ".", "..", "a/b", "../escape", "a b", "a\x00b", "ü"} {
		if err := protocol.ValidateSlug(slug); err == nil {
			t.Errorf("ValidateSlug(%q) = nil, want error", slug)
		}
	}
}

func TestRunMode_Valid(t *testing.T) {
	t.Parallel()

	valid := []protocol.RunMode{protocol.RunModeMain, protocol.RunModeWorktree, protocol.RunModeClone}
	for _, m := range valid {
		if !m.Valid() {
			t.Errorf("RunMode(%q).Valid() = false, want true", m)
		}
	}
	if protocol.RunMode("branch").Valid() {
		t.Error("RunMode(branch).Valid() = true, want false")
	}
	if protocol.RunMode("").Valid() {
		t.Error("empty RunMode.Valid() = true, want false")
	}
}

func TestConflictError_Message(t *testing.T) {
	t.Parallel()

	withFiles := &protocol.ConflictError{Slug: "fix-auth", Files: []string{"a.go", "b.go"}}
	if got := withFiles.Error(); got != "conflict on fix-auth: conflicting files: a.go, b.go" {
		t.Errorf("unexpected message: %q", got)
	}

	withReason := &protocol.ConflictError{Slug: "fix-auth", Reason: "already running"}
	if got := withReason.Error(); got != "conflict on fix-auth: already running" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestNotFoundError_Message(t *testing.T) {
	t.Parallel()

	err := &protocol.NotFoundError{Kind: "project", ID: "myapp"}
	if got := err.Error(); got != "project myapp not found" {
		t.Errorf("unexpected message: %q", got)
	}
}
