package skills

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, id, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, id, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadParsesFrontMatter(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "git-review", "---\nname: Git Review\ndescription: review PRs carefully\n---\nAlways read the diff twice.\n")

	s, err := NewLibrary(dir).Load("git-review")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "Git Review" || s.Description != "review PRs carefully" {
		t.Errorf("metadata = %q / %q", s.Name, s.Description)
	}
	if s.Content != "Always read the diff twice.\n" {
		t.Errorf("content = %q", s.Content)
	}
}

func TestLoadWithoutFrontMatter(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "plain", "just a body\n")

	s, err := NewLibrary(dir).Load("plain")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "plain" || s.Content != "just a body\n" {
		t.Errorf("skill = %+v", s)
	}
}

func TestLoadRejectsTraversal(t *testing.T) {
	l := NewLibrary(t.TempDir())
	for _, id := range []string{"../secrets", "a/b", "..", `a\b`} {
		if _, err := l.Load(id); !errors.Is(err, ErrSkillNotFound) {
			t.Errorf("Load(%q) err = %v, want ErrSkillNotFound", id, err)
		}
	}
}

func TestListSortedAndSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "zeta", "---\nname: Zeta\n---\nz\n")
	writeSkill(t, dir, "alpha", "---\nname: Alpha\n---\na\n")
	// Directory without SKILL.md is skipped.
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	infos, err := NewLibrary(dir).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != "alpha" || infos[1].ID != "zeta" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestListMissingDir(t *testing.T) {
	infos, err := NewLibrary(filepath.Join(t.TempDir(), "nope")).List()
	if err != nil || infos != nil {
		t.Errorf("List = %v, %v", infos, err)
	}
}

func TestLoadManyDropsMissing(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "keep", "body\n")

	got := NewLibrary(dir).LoadMany([]string{"keep", "gone"})
	if len(got) != 1 || got[0].ID != "keep" {
		t.Errorf("LoadMany = %+v", got)
	}
}
