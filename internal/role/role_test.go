package role

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/docflow/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"PCM", "PCM"},
		{"pcm", "PCM"},
		{"  Action Officer ", "ACTION_OFFICER"},
		{"action-officer", "ACTION_OFFICER"},
		{"ACTION__OFFICER", "ACTION_OFFICER"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.raw); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestGate_Resolve(t *testing.T) {
	g := NewGate(DefaultAliases())

	tests := []struct {
		raw    string
		want   model.Role
		wantOK bool
	}{
		{"AO", model.RoleActionOfficer, true},
		{"Action Officer", model.RoleActionOfficer, true},
		{"action_officer", model.RoleActionOfficer, true},
		{"legal_reviewer", model.RoleLegal, true},
		{"Administrator", model.RoleAdmin, true},
		{"opr", model.RoleOPR, true},
		{"Intern", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := g.Resolve(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Resolve(%q) = %q, %v, want %q, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestGate_CanAct(t *testing.T) {
	g := NewGate(DefaultAliases())
	stage := model.Stage{ID: "S1", Roles: []string{"AO"}}

	if !g.CanAct(stage, "Action Officer") {
		t.Error("alias of AO should be admitted")
	}
	if !g.CanAct(stage, "ao") {
		t.Error("case-insensitive match should be admitted")
	}
	if g.CanAct(stage, "PCM") {
		t.Error("PCM should not be admitted on an AO stage")
	}
	if g.CanAct(stage, "Intern") {
		t.Error("unmapped role must never be admitted")
	}
}

func TestGate_unmappedStageRoleNeverMatches(t *testing.T) {
	g := NewGate(DefaultAliases())
	stage := model.Stage{ID: "S1", Roles: []string{"Intern"}}
	if g.CanAct(stage, "Intern") {
		t.Error("unmapped roles must not match even when the raw strings are equal")
	}
}

func TestGate_Authorize_forbiddenNamesRoles(t *testing.T) {
	g := NewGate(DefaultAliases())
	stage := model.Stage{ID: "S1", Roles: []string{"AO"}}

	err := g.Authorize(stage, "pcm")
	if !model.IsCode(err, model.ErrForbidden) {
		t.Fatalf("Authorize() error = %v, want FORBIDDEN", err)
	}
	msg := err.Error()
	for _, want := range []string{`"S1"`, "ACTION_OFFICER", "resolves to PCM"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}

	err = g.Authorize(stage, "Intern")
	if !strings.Contains(err.Error(), string(model.RoleUnmapped)) {
		t.Errorf("message %q should name the unmapped role", err.Error())
	}

	if err := g.Authorize(stage, "AO"); err != nil {
		t.Errorf("Authorize(AO) error = %v, want nil", err)
	}
}

func TestGate_nilAliasesAdmitsNobody(t *testing.T) {
	g := NewGate(nil)
	if g.CanAct(model.Stage{Roles: []string{"PCM"}}, "PCM") {
		t.Error("empty gate should admit nobody")
	}
	if len(g.Tokens()) != 0 {
		t.Errorf("Tokens() = %v, want empty", g.Tokens())
	}
}

func TestGate_Tokens(t *testing.T) {
	g := NewGate(map[string][]string{"PCM": {"x"}, "OPR": nil})
	tokens := g.Tokens()
	if len(tokens) != 2 || tokens[0] != model.RoleOPR || tokens[1] != model.RolePCM {
		t.Errorf("Tokens() = %v, want [OPR PCM]", tokens)
	}
}

func TestLoadAliases_mergesDefaults(t *testing.T) {
	aliases, err := LoadAliases("testdata/aliases.yaml")
	if err != nil {
		t.Fatalf("LoadAliases() error = %v", err)
	}
	g := NewGate(aliases)
	if r, ok := g.Resolve("program control"); !ok || r != model.RolePCM {
		t.Errorf("Resolve(program control) = %q, %v", r, ok)
	}
	if r, ok := g.Resolve("Program Control Manager"); !ok || r != model.RolePCM {
		t.Errorf("default alias lost: %q, %v", r, ok)
	}
	if r, ok := g.Resolve("records"); !ok || r != "RECORDS_MANAGER" {
		t.Errorf("Resolve(records) = %q, %v", r, ok)
	}
}

func TestLoadAliases_missingFile(t *testing.T) {
	if _, err := LoadAliases("testdata/nope.yaml"); err == nil {
		t.Error("LoadAliases() with missing file should return error")
	}
}

func TestStaticDirectory_RoleOf(t *testing.T) {
	d, err := NewStaticDirectory("testdata/directory.yaml")
	if err != nil {
		t.Fatalf("NewStaticDirectory() error = %v", err)
	}
	r, err := d.RoleOf(context.Background(), "user-ao")
	if err != nil || r != "Action Officer" {
		t.Errorf("RoleOf(user-ao) = %q, %v", r, err)
	}
	if _, err := d.RoleOf(context.Background(), "ghost"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("RoleOf(ghost) error = %v, want NOT_FOUND", err)
	}
}

func TestStaticDirectory_missingFile(t *testing.T) {
	if _, err := NewStaticDirectory("testdata/missing.yaml"); err == nil {
		t.Error("NewStaticDirectory() with missing file should return error")
	}
}

func TestMapDirectory_Set(t *testing.T) {
	d := NewMapDirectory(map[string]string{"u1": "PCM"})
	d.Set("u1", "OPR")
	r, _ := d.RoleOf(context.Background(), "u1")
	if r != "OPR" {
		t.Errorf("RoleOf(u1) = %q, want OPR", r)
	}
	if err := d.Sync(); err != nil {
		t.Errorf("Sync() on map directory error = %v", err)
	}
}

type countingDirectory struct {
	calls atomic.Int32
	role  string
}

func (c *countingDirectory) RoleOf(_ context.Context, _ string) (string, error) {
	c.calls.Add(1)
	return c.role, nil
}

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) RecordRoleCacheHit()  { o.hits++ }
func (o *countingObserver) RecordRoleCacheMiss() { o.misses++ }

func TestResolver_caches(t *testing.T) {
	dir := &countingDirectory{role: "PCM"}
	obs := &countingObserver{}
	r := NewResolver(dir, time.Minute, obs)

	for i := 0; i < 3; i++ {
		got, err := r.RoleOf(context.Background(), "u1")
		if err != nil || got != "PCM" {
			t.Fatalf("RoleOf() = %q, %v", got, err)
		}
	}
	if dir.calls.Load() != 1 {
		t.Errorf("directory called %d times, want 1", dir.calls.Load())
	}
	if obs.hits != 2 || obs.misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2/1", obs.hits, obs.misses)
	}

	r.Invalidate("u1")
	r.RoleOf(context.Background(), "u1")
	if dir.calls.Load() != 2 {
		t.Errorf("directory called %d times after Invalidate, want 2", dir.calls.Load())
	}
}

func TestResolver_expires(t *testing.T) {
	dir := &countingDirectory{role: "PCM"}
	r := NewResolver(dir, time.Nanosecond, nil)
	r.RoleOf(context.Background(), "u1")
	time.Sleep(time.Millisecond)
	r.RoleOf(context.Background(), "u1")
	if dir.calls.Load() != 2 {
		t.Errorf("directory called %d times, want 2 after expiry", dir.calls.Load())
	}
}

func TestResolver_doesNotCacheErrors(t *testing.T) {
	d := NewMapDirectory(nil)
	r := NewResolver(d, time.Minute, nil)
	if _, err := r.RoleOf(context.Background(), "u1"); err == nil {
		t.Fatal("expected NOT_FOUND")
	}
	d.Set("u1", "OPR")
	got, err := r.RoleOf(context.Background(), "u1")
	if err != nil || got != "OPR" {
		t.Errorf("RoleOf() = %q, %v, want OPR", got, err)
	}
}
