package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"voxelgrid.dev/internal/persistence/blockdb"
	"voxelgrid.dev/internal/session"
	"voxelgrid.dev/internal/sim/cache"
)

// These commands talk to the loopback admin endpoints of a running server.

type serverState struct {
	Cache    cache.Stats    `json:"cache"`
	Store    blockdb.Stats  `json:"store"`
	Session  session.Stats  `json:"session"`
	Sessions []session.Info `json:"sessions"`
}

type checkpointResult struct {
	OK    bool   `json:"ok"`
	Dirty int    `json:"dirty"`
	Error string `json:"error"`
}

type adminClient struct {
	base string
	hc   *http.Client
}

func newAdminClient(base string, timeout time.Duration) adminClient {
	return adminClient{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

// call decodes the JSON body into out. Non-2xx answers are errors unless they carry JSON,
// in which case out is still filled.
func (c adminClient) call(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if jerr := json.Unmarshal(body, out); jerr != nil {
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("%s %s: %w", method, path, jerr)
	}
	return nil
}

func (c adminClient) state() (serverState, error) {
	var st serverState
	err := c.call(http.MethodGet, "/admin/v1/state", &st)
	return st, err
}

func (c adminClient) checkpoint() (checkpointResult, error) {
	var res checkpointResult
	if err := c.call(http.MethodPost, "/admin/v1/checkpoint", &res); err != nil {
		return res, err
	}
	if !res.OK {
		return res, errors.New("checkpoint failed: " + res.Error)
	}
	return res, nil
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	asJSON := fs.Bool("json", false, "print the raw state as JSON")
	_ = fs.Parse(args)

	st, err := newAdminClient(*baseURL, 5*time.Second).state()
	if err != nil {
		fmt.Fprintln(os.Stderr, "state:", err)
		os.Exit(1)
	}
	if *asJSON {
		printJSON(st)
		return
	}
	writeState(os.Stdout, st)
}

func writeState(w io.Writer, st serverState) {
	mode := "read-write"
	if st.Cache.ReadOnly {
		mode = "READ-ONLY"
	}
	fmt.Fprintf(w, "cache    %d/%d resident, %d dirty, %s\n", st.Cache.Resident, st.Cache.MaxResident, st.Cache.Dirty, mode)
	fmt.Fprintf(w, "         hits=%d misses=%d loads=%d generated=%d evictions=%d flushes=%d failed=%d regenerated=%d\n",
		st.Cache.Hits, st.Cache.Misses, st.Cache.Loads, st.Cache.Generated, st.Cache.Evictions,
		st.Cache.Flushes, st.Cache.FlushFails, st.Cache.Regenerated)
	fmt.Fprintf(w, "store    gets=%d puts=%d deletes=%d errors=%d\n", st.Store.Gets, st.Store.Puts, st.Store.Deletes, st.Store.Errors)
	fmt.Fprintf(w, "sessions %d active, %d streaming; blocks sent=%d unloads=%d mutations=%d violations=%d auth failures=%d\n",
		st.Session.Active, st.Session.Streaming, st.Session.BlocksSent, st.Session.Unloads,
		st.Session.Mutations, st.Session.Violations, st.Session.AuthFailures)
	if len(st.Sessions) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nID\tIDENTITY\tREMOTE\tSTATE\tREGION\tDELIVERED\tPENDING")
	for _, s := range st.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n", s.ID, s.Identity, s.Remote, s.State, s.Region, s.Delivered, s.Pending)
	}
	_ = tw.Flush()
}

func checkpointCmd(args []string) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	res, err := newAdminClient(*baseURL, 40*time.Second).checkpoint()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("checkpoint ok, %d blocks dirty again since\n", res.Dirty)
}
