// Command ledgerctl is the operator CLI for the ledger service: verify a
// proof offline (no network call, pure ledgercore math) and inspect a
// running ledger over the HTTP binding, grounded on the corpus's ocx-cli
// dispatch-by-subcommand shape.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ocx/ledger/internal/ledger"
	"github.com/ocx/ledger/internal/ledgercore"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("LEDGER_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	switch os.Args[1] {
	case "verify":
		cmdVerify()
	case "inspect":
		cmdInspect(gateway)
	case "root":
		cmdRoot(gateway)
	case "version":
		fmt.Printf("ledgerctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ledger operator CLI v` + version + `

Usage: ledgerctl <command> [flags]

Commands:
  verify    Verify a Merkle inclusion proof read from stdin, offline
  inspect   Fetch and print a ledger's metadata
  root      Fetch a ledger's current root hash
  version   Print version
  help      Show this help

Environment:
  LEDGER_GATEWAY_URL   Ledger service base URL (default: http://localhost:8080)

Examples:
  cat proof.json | ledgerctl verify
  ledgerctl inspect --ledger ord-ledger-1
  ledgerctl root --ledger ord-ledger-1`)
}

// cmdVerify reads a MerkleProof (or CompactProof, auto-detected by the
// presence of a "p" field) as JSON from stdin and checks it entirely
// offline — no call to the service, matching spec.md §6's requirement that
// proof verification never needs to trust the server that issued it.
func cmdVerify() {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
		os.Exit(1)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		fmt.Fprintf(os.Stderr, "invalid proof JSON: %v\n", err)
		os.Exit(1)
	}

	var proof ledgercore.MerkleProof
	if _, compact := generic["p"]; compact {
		var cp ledgercore.CompactProof
		if err := json.Unmarshal(raw, &cp); err != nil {
			fmt.Fprintf(os.Stderr, "invalid compact proof: %v\n", err)
			os.Exit(1)
		}
		proof, err = ledgercore.FromCompact(cp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "decode compact proof: %v\n", err)
			os.Exit(1)
		}
	} else if err := json.Unmarshal(raw, &proof); err != nil {
		fmt.Fprintf(os.Stderr, "invalid proof: %v\n", err)
		os.Exit(1)
	}

	result := ledger.VerifyProof(proof)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Valid {
		os.Exit(1)
	}
}

func cmdInspect(gateway string) {
	ledgerID := flagValue("--ledger")
	if ledgerID == "" {
		fmt.Fprintln(os.Stderr, "inspect requires --ledger <id>")
		os.Exit(1)
	}
	body, status, err := httpGet(gateway + "/v1/ledgers/" + ledgerID)
	printResponse(body, status, err)
}

func cmdRoot(gateway string) {
	ledgerID := flagValue("--ledger")
	if ledgerID == "" {
		fmt.Fprintln(os.Stderr, "root requires --ledger <id>")
		os.Exit(1)
	}
	body, status, err := httpGet(gateway + "/v1/ledgers/" + ledgerID + "/root")
	printResponse(body, status, err)
}

func flagValue(name string) string {
	for i, arg := range os.Args {
		if arg == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

func httpGet(url string) ([]byte, int, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

func printResponse(body []byte, status int, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if indentErr := json.Indent(&pretty, body, "", "  "); indentErr == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(body))
	}
	if status >= 400 {
		os.Exit(1)
	}
}
