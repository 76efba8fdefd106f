package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"voxelgrid.dev/internal/auth"
	"voxelgrid.dev/internal/persistence/blockdb"
	"voxelgrid.dev/internal/persistence/snapshot"
	"voxelgrid.dev/internal/sim/encoding"
	"voxelgrid.dev/internal/sim/voxel"
)

// The offline commands open the world database directly; run them while the server is stopped.

func openDB(fs *flag.FlagSet, args []string) (*blockdb.DB, []string) {
	dbPath := fs.String("db", "./data/world.sqlite", "world database path")
	_ = fs.Parse(args)
	db, err := blockdb.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return db, fs.Args()
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	limit := fs.Int("limit", 0, "also list up to N stored block positions")
	db, _ := openDB(fs, args)
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := db.Count(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "count:", err)
		os.Exit(1)
	}
	out := struct {
		Path   string      `json:"path"`
		Blocks int         `json:"blocks"`
		Seed   *int64      `json:"seed,omitempty"`
		Keys   []voxel.Pos `json:"keys,omitempty"`
	}{Path: db.Path(), Blocks: n}
	if seed, ok, err := db.Seed(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	} else if ok {
		out.Seed = &seed
	}
	if *limit > 0 {
		if out.Keys, err = db.Keys(ctx, *limit); err != nil {
			fmt.Fprintln(os.Stderr, "keys:", err)
			os.Exit(1)
		}
	}
	printJSON(out)
}

func getCmd(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	db, rest := openDB(fs, args)
	defer db.Close()
	pos, err := parsePos(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: admin get [-db path] x y z:", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, ok, err := db.Get(ctx, pos)
	if err != nil {
		fmt.Fprintln(os.Stderr, "get:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Printf("block %s not stored (served from the generator)\n", pos)
		return
	}
	b, err := encoding.Decode(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	printJSON(summarize(b, len(data)))
}

func deleteCmd(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	db, rest := openDB(fs, args)
	defer db.Close()
	pos, err := parsePos(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: admin delete [-db path] x y z:", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Delete(ctx, pos); err != nil {
		fmt.Fprintln(os.Stderr, "delete:", err)
		os.Exit(1)
	}
	fmt.Printf("deleted %s\n", pos)
}

func addUserCmd(args []string) {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	db, rest := openDB(fs, args)
	defer db.Close()
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: admin adduser [-db path] name password")
		os.Exit(2)
	}
	if err := (auth.KVCredentials{KV: db}).AddUser(rest[0], rest[1]); err != nil {
		fmt.Fprintln(os.Stderr, "adduser:", err)
		os.Exit(1)
	}
	fmt.Printf("user %s stored\n", rest[0])
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "", "snapshot file to write (required)")
	db, _ := openDB(fs, args)
	defer db.Close()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "missing -out")
		os.Exit(2)
	}
	h, err := snapshot.Write(context.Background(), *out, db)
	if err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		os.Exit(1)
	}
	printJSON(h)
}

func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	db, rest := openDB(fs, args)
	defer db.Close()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin import [-db path] snapshot.zst")
		os.Exit(2)
	}
	h, err := snapshot.Restore(context.Background(), rest[0], db)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import:", err)
		os.Exit(1)
	}
	printJSON(h)
}

type typeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type blockSummary struct {
	Pos      voxel.Pos      `json:"pos"`
	Revision uint64         `json:"revision"`
	Bytes    int            `json:"bytes"`
	Types    []typeCount    `json:"types"`
	Entities []voxel.Entity `json:"entities,omitempty"`
	Extra    []string       `json:"extra,omitempty"`
}

func summarize(b *voxel.Block, size int) blockSummary {
	counts := map[uint16]int{}
	for _, v := range b.Voxels {
		counts[v.Type]++
	}
	s := blockSummary{Pos: b.Pos, Revision: b.Revision, Bytes: size, Entities: b.Meta.Entities}
	for t, n := range counts {
		s.Types = append(s.Types, typeCount{Type: voxel.TypeName(t), Count: n})
	}
	sort.Slice(s.Types, func(i, j int) bool {
		if s.Types[i].Count != s.Types[j].Count {
			return s.Types[i].Count > s.Types[j].Count
		}
		return s.Types[i].Type < s.Types[j].Type
	})
	for _, kv := range b.Meta.Extra {
		s.Extra = append(s.Extra, kv.Key)
	}
	return s
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
