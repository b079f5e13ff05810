package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "tbs-worker API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("tbs-ctl %s\n", version)
	case "status":
		cmdGet(*addr, "/v1/status")
	case "store":
		cmdStore(*addr)
	case "report":
		cmdGet(*addr, "/v1/report")
	case "block":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: tbs-ctl block <id>")
			os.Exit(1)
		}
		cmdGet(*addr, "/v1/blocks/"+url.PathEscape(args[1]))
	case "move":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: tbs-ctl move <id> <tier>")
			os.Exit(1)
		}
		cmdPost(*addr, "/v1/admin/move/"+url.PathEscape(args[1])+"?tier="+url.QueryEscape(args[2]))
	case "free":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: tbs-ctl free <id>")
			os.Exit(1)
		}
		cmdPost(*addr, "/v1/admin/free/"+url.PathEscape(args[1]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `tbs-ctl - tiered block store worker management CLI

Usage:
  tbs-ctl [flags] <command> [args]

Commands:
  status             Show worker status
  store              Show per-tier and per-dir usage
  report             Show the worker report (resets the block delta)
  block <id>         Show a committed block
  move <id> <tier>   Move a block to another tier
  free <id>          Remove a block
  version            Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdGet(addr, path string) {
	resp, err := http.Get(addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
	exitOnStatus(resp)
}

func cmdPost(addr, path string) {
	resp, err := http.Post(addr+path, "", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
	exitOnStatus(resp)
}

type storeView struct {
	Tiers []struct {
		Alias         int    `json:"alias"`
		Name          string `json:"name"`
		CapacityBytes int64  `json:"capacity_bytes"`
		UsedBytes     int64  `json:"used_bytes"`
		Dirs          []struct {
			Index         int      `json:"index"`
			Path          string   `json:"path"`
			CapacityBytes int64    `json:"capacity_bytes"`
			UsedBytes     int64    `json:"used_bytes"`
			BlockIDs      []uint64 `json:"block_ids"`
		} `json:"dirs"`
	} `json:"tiers"`
}

func cmdStore(addr string) {
	resp, err := http.Get(addr + "/v1/store")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var snap storeView
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tNAME\tDIR\tPATH\tCAPACITY\tUSED\tBLOCKS")
	for _, t := range snap.Tiers {
		for _, d := range t.Dirs {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%d\t%d\n",
				t.Alias, t.Name, d.Index, d.Path, d.CapacityBytes, d.UsedBytes, len(d.BlockIDs))
		}
	}
	w.Flush()
}

func exitOnStatus(resp *http.Response) {
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
