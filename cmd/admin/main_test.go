package main

import (
	"testing"
	"time"

	"voxelgrid.dev/internal/session"
	"voxelgrid.dev/internal/sim/voxel"
)

func TestParseAABB(t *testing.T) {
	min, max, err := parseAABB("5,-1,3:0,2,3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if min != [3]int32{0, -1, 3} || max != [3]int32{5, 2, 3} {
		t.Fatalf("got %v %v", min, max)
	}
	for _, bad := range []string{"", "1,2,3", "1,2:3,4,5", "a,b,c:1,2,3"} {
		if _, _, err := parseAABB(bad); err == nil {
			t.Fatalf("parseAABB(%q): expected error", bad)
		}
	}
}

func TestParsePos(t *testing.T) {
	p, err := parsePos([]string{"1", "-2", "3"})
	if err != nil || p != (voxel.Pos{X: 1, Y: -2, Z: 3}) {
		t.Fatalf("got %v %v", p, err)
	}
	if _, err := parsePos([]string{"1", "2"}); err == nil {
		t.Fatalf("expected error for two args")
	}
	if _, err := parsePos([]string{"1048576", "0", "0"}); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestAuditFilter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := session.AuditRecord{Time: now, Actor: "alice", Pos: [3]int32{1, 0, 0}, Revision: 3}

	f := auditFilter{actor: "alice", box: true, max: [3]int32{2, 2, 2}}
	if !f.match(rec) {
		t.Fatalf("expected match")
	}
	f.actor = "bob"
	if f.match(rec) {
		t.Fatalf("actor filter ignored")
	}
	f = auditFilter{since: now.Add(time.Second)}
	if f.match(rec) {
		t.Fatalf("since filter ignored")
	}
	f = auditFilter{box: true, min: [3]int32{2, 0, 0}, max: [3]int32{3, 0, 0}}
	if f.match(rec) {
		t.Fatalf("box filter ignored")
	}
}

func TestSummarize(t *testing.T) {
	b := voxel.NewBlock(voxel.Pos{X: 4})
	b.Revision = 9
	b.Set(0, 0, 0, voxel.Voxel{Type: voxel.Stone})
	b.Set(1, 0, 0, voxel.Voxel{Type: voxel.Stone})
	b.Meta.SetExtra("owner", []byte("alice"))

	s := summarize(b, 123)
	if s.Revision != 9 || s.Bytes != 123 || s.Pos != b.Pos {
		t.Fatalf("summary: %+v", s)
	}
	if len(s.Types) != 2 || s.Types[0].Type != voxel.TypeName(voxel.Air) || s.Types[1].Count != 2 {
		t.Fatalf("types: %+v", s.Types)
	}
	if len(s.Extra) != 1 || s.Extra[0] != "owner" {
		t.Fatalf("extra: %v", s.Extra)
	}
}
