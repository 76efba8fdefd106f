package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	persistlog "voxelgrid.dev/internal/persistence/log"
	"voxelgrid.dev/internal/session"
	"voxelgrid.dev/internal/sim/voxel"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "stats":
			statsCmd(os.Args[2:])
			return
		case "get":
			getCmd(os.Args[2:])
			return
		case "delete":
			deleteCmd(os.Args[2:])
			return
		case "adduser":
			addUserCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "import":
			importCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "checkpoint":
			checkpointCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin stats|get|delete|adduser|export|import|audit|state|checkpoint [flags] [args]")
	os.Exit(2)
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dir := fs.String("dir", "./data/audit", "audit log directory")
	actor := fs.String("actor", "", "only mutations by this actor")
	aabb := fs.String("aabb", "", "block position filter: x1,y1,z1:x2,y2,z2")
	since := fs.String("since", "", "only mutations at or after this RFC3339 time")
	_ = fs.Parse(args)

	f := auditFilter{actor: strings.TrimSpace(*actor)}
	if s := strings.TrimSpace(*aabb); s != "" {
		min, max, err := parseAABB(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -aabb:", err)
			os.Exit(2)
		}
		f.box, f.min, f.max = true, min, max
	}
	if s := strings.TrimSpace(*since); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -since:", err)
			os.Exit(2)
		}
		f.since = t
	}

	files, err := persistlog.AuditFiles(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	n := 0
	for _, path := range files {
		err := persistlog.ReadAudit(path, func(rec session.AuditRecord) error {
			if f.match(rec) {
				printJSON(rec)
				n++
			}
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read audit:", err)
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "%d matching mutations in %d files\n", n, len(files))
}

type auditFilter struct {
	actor    string
	since    time.Time
	box      bool
	min, max [3]int32
}

func (f auditFilter) match(rec session.AuditRecord) bool {
	if f.actor != "" && rec.Actor != f.actor {
		return false
	}
	if !f.since.IsZero() && rec.Time.Before(f.since) {
		return false
	}
	return !f.box || withinAABB(rec.Pos, f.min, f.max)
}

func withinAABB(pos, min, max [3]int32) bool {
	return pos[0] >= min[0] && pos[0] <= max[0] &&
		pos[1] >= min[1] && pos[1] <= max[1] &&
		pos[2] >= min[2] && pos[2] <= max[2]
}

func parseAABB(s string) (min, max [3]int32, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("want x1,y1,z1:x2,y2,z2")
	}
	a, err := parseVec3(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseVec3(parts[1])
	if err != nil {
		return min, max, err
	}
	for i := 0; i < 3; i++ {
		min[i], max[i] = a[i], b[i]
		if min[i] > max[i] {
			min[i], max[i] = max[i], min[i]
		}
	}
	return min, max, nil
}

func parseVec3(s string) ([3]int32, error) {
	var out [3]int32
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("bad vec3: %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return out, err
		}
		out[i] = int32(v)
	}
	return out, nil
}

// parsePos reads a block position from three arguments.
func parsePos(args []string) (voxel.Pos, error) {
	if len(args) != 3 {
		return voxel.Pos{}, errors.New("want x y z")
	}
	v, err := parseVec3(strings.Join(args, ","))
	if err != nil {
		return voxel.Pos{}, err
	}
	p := voxel.Pos{X: v[0], Y: v[1], Z: v[2]}
	if !p.Valid() {
		return p, fmt.Errorf("position %s out of range", p)
	}
	return p, nil
}
