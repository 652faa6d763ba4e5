package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"ysod-timeline/core/timeline"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run verifies one exported timeline. Exit codes: 0 valid, 1 corrupted,
// 2 usage or input error.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("timeline-verify", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.StringP("file", "f", "-", "entries JSON file, - for stdin")
	digest := fs.String("digest", timeline.AlgorithmSHA256, "digest algorithm: sha256, sha3-256, blake3")
	encoding := fs.String("encoding", timeline.EncodingJSON, "canonical encoding: json, cbor")
	asJSON := fs.Bool("json", false, "print the verdict as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	hasher, err := timeline.NewHasherFromNames(*encoding, *digest)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	var data []byte
	if *file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		fmt.Fprintf(stderr, "read input: %v\n", err)
		return 2
	}
	entries, err := timeline.DecodeEntries(data)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	res := timeline.NewVerifier(hasher).Verify(entries)
	if *asJSON {
		_ = json.NewEncoder(stdout).Encode(map[string]any{"entries": len(entries), "integrity": res, "kind": res.Kind()})
	} else if res.Valid {
		fmt.Fprintf(stdout, "OK %d entries verified (%s/%s)\n", len(entries), hasher.Encoding(), hasher.Algorithm())
	} else {
		fmt.Fprintf(stdout, "CORRUPTED %s at entry %s\n", res.Error, res.CorruptedEntryID)
	}
	if !res.Valid {
		return 1
	}
	return 0
}
