// Command treehotstuffkeygen generates keys and TLS certificates for a
// replica set.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/relab/treehotstuff/crypto/keygen"
	"github.com/spf13/pflag"
)

func main() {
	n := pflag.IntP("num", "n", 4, "number of replicas to generate keys for")
	bls := pflag.Bool("bls", false, "also generate bls12-381 keys")
	pattern := pflag.StringP("pattern", "p", "*", "naming pattern for key files; '*' is replaced by the replica id")
	hosts := pflag.String("hosts", "127.0.0.1", "comma-separated hosts the certificates are valid for: one for all replicas, or one per replica")
	pflag.Parse()

	if pflag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [destination]\n", os.Args[0])
		pflag.PrintDefaults()
		os.Exit(1)
	}

	err := keygen.GenerateConfiguration(pflag.Arg(0), *bls, *n, *pattern, strings.Split(*hosts, ","))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
