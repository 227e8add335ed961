// Command treehotstuff runs one replica of the tree-overlay coordination
// core. The HotStuff safety core and the pacemaker are wired in here; this
// binary uses placeholder implementations so that a configuration can be
// brought up and exercised end to end.
package main

import (
	stdecdsa "crypto/ecdsa"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/backend"
	"github.com/relab/treehotstuff/blockchain"
	"github.com/relab/treehotstuff/crypto/bls12"
	"github.com/relab/treehotstuff/crypto/ecdsa"
	"github.com/relab/treehotstuff/crypto/keygen"
	"github.com/relab/treehotstuff/eventloop"
	"github.com/relab/treehotstuff/logging"
	"github.com/relab/treehotstuff/network"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type replica struct {
	ID      uint32
	Address string
	Pubkey  string
	Cert    string
}

type options struct {
	SelfID    uint32 `mapstructure:"self-id"`
	Listen    string `mapstructure:"listen"`
	BatchSize uint32 `mapstructure:"batch-size"`
	Fanout    int    `mapstructure:"fanout"`
	Workers   int    `mapstructure:"workers"`
	Crypto    string `mapstructure:"crypto"`
	TLS       bool   `mapstructure:"tls"`
	Privkey   string `mapstructure:"privkey"`
	TLSCert   string `mapstructure:"tls-cert"`
	TLSKey    string `mapstructure:"tls-key"`
	LogLevel  string `mapstructure:"log-level"`
	Replicas  []replica
}

func usage() {
	fmt.Printf("Usage: %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Loads configuration from ./treehotstuff.toml and the file specified by --config")
	fmt.Println()
	fmt.Println("Options:")
	pflag.PrintDefaults()
}

func main() {
	pflag.Usage = usage

	pflag.Uint32("self-id", 0, "ID of this replica")
	pflag.String("listen", ":13371", "address to listen on")
	pflag.Uint32("batch-size", 100, "number of commands batched into one block")
	pflag.Int("fanout", 3, "arity of the tree overlay")
	pflag.Int("workers", 4, "number of verification workers")
	pflag.String("crypto", "ecdsa", "crypto scheme to use (ecdsa or bls12)")
	pflag.Bool("tls", true, "enable TLS")
	pflag.String("privkey", "", "path to the private key file")
	pflag.String("tls-cert", "", "path to the TLS certificate")
	pflag.String("tls-key", "", "path to the TLS key")
	pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	configFile := pflag.String("config", "", "optional config file in addition to ./treehotstuff.toml")
	pflag.Parse()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind flags: %v\n", err)
		os.Exit(1)
	}

	viper.SetConfigName("treehotstuff")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}
	if *configFile != "" {
		viper.SetConfigFile(*configFile)
		if err := viper.MergeInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config file %s: %v\n", *configFile, err)
			os.Exit(1)
		}
	}

	var opts options
	if err := viper.Unmarshal(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "failed to unmarshal config: %v\n", err)
		os.Exit(1)
	}

	logging.SetLogLevel(opts.LogLevel)
	logger := logging.New("cli")

	if err := run(opts); err != nil {
		logger.Fatal(err)
	}
}

func run(opts options) error {
	id := treehotstuff.ID(opts.SelfID)

	privKey, err := keygen.ReadPrivateKeyFile(opts.Privkey)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}

	config := treehotstuff.NewConfig(id, privKey, opts.Fanout, opts.BatchSize)

	var (
		signer treehotstuff.Signer
		certs  treehotstuff.CertCodec
	)
	switch opts.Crypto {
	case "ecdsa":
		key, ok := privKey.(*stdecdsa.PrivateKey)
		if !ok {
			return fmt.Errorf("crypto 'ecdsa' requires an ECDSA private key")
		}
		c := ecdsa.New(id, key)
		signer, certs = c, c
	case "bls12":
		key, ok := privKey.(*bls12.PrivateKey)
		if !ok {
			return fmt.Errorf("crypto 'bls12' requires a bls12-381 private key")
		}
		c := bls12.New(id, key)
		signer, certs = c, c
	default:
		return fmt.Errorf("unknown crypto scheme '%s'", opts.Crypto)
	}

	for _, r := range opts.Replicas {
		pubKey, err := keygen.ReadPublicKeyFile(r.Pubkey)
		if err != nil {
			return fmt.Errorf("failed to read public key of replica %d: %w", r.ID, err)
		}
		cert, err := keygen.ReadCertFile(r.Cert)
		if err != nil {
			return fmt.Errorf("failed to read certificate of replica %d: %w", r.ID, err)
		}
		config.AddReplica(&treehotstuff.ReplicaInfo{
			ID:       treehotstuff.ID(r.ID),
			Address:  r.Address,
			PubKey:   pubKey,
			CertHash: keygen.CertHash(cert),
		})
	}

	net, err := buildNetwork(id, config, opts)
	if err != nil {
		return err
	}
	defer net.Close()

	eventLoop := eventloop.New(1024)
	store := blockchain.New()
	pacemaker := newFixedPacemaker(0)
	safety := newSafetyStub(logging.New("consensus"))

	hs := backend.New(config, safety, pacemaker, store, signer, certs, net, eventLoop, opts.Workers)
	safety.core = hs
	if err := hs.Start(false); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(eventLoop.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	eventLoop.Run(ctx)
	return nil
}

func buildNetwork(id treehotstuff.ID, config *treehotstuff.Config, opts options) (*network.Network, error) {
	var (
		stream network.StreamLayer
		err    error
	)
	if opts.TLS {
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		allowed := func(hash treehotstuff.Hash) bool {
			for _, rid := range config.Replicas() {
				if r, ok := config.Replica(rid); ok && r.CertHash == hash {
					return true
				}
			}
			return false
		}
		stream, err = network.NewTLSStreamLayer(opts.Listen, cert, allowed)
	} else {
		stream, err = network.NewTCPStreamLayer(opts.Listen)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", opts.Listen, err)
	}

	net := network.New(id, stream, opts.TLS)
	for _, rid := range config.Replicas() {
		if rid == id {
			continue
		}
		r, _ := config.Replica(rid)
		net.SetPeer(rid, r.Address, r.CertHash)
	}
	return net, nil
}
