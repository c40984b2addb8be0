// Command node is the boundary-only CLI dispatcher of spec §6: it
// loads genesis and node-local configuration, wires the core packages
// together, and runs the event loop. It carries no consensus logic of
// its own (spec §1: "user-facing CLIs and config loaders" are external
// collaborators), mirroring the teacher's own flag-driven main.go
// generalized from a single hardcoded run mode to subcommands.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flynn/noise"

	"github.com/veritaschain/veritas/pkg/blockchain"
	"github.com/veritaschain/veritas/pkg/consensus"
	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/genesis"
	"github.com/veritaschain/veritas/pkg/keystore"
	"github.com/veritaschain/veritas/pkg/messages"
	"github.com/veritaschain/veritas/pkg/network"
	"github.com/veritaschain/veritas/pkg/node"
	"github.com/veritaschain/veritas/pkg/nodeconfig"
	"github.com/veritaschain/veritas/pkg/pushapi"
	"github.com/veritaschain/veritas/pkg/runtime"
	"github.com/veritaschain/veritas/pkg/storage"
	"github.com/veritaschain/veritas/pkg/storage/keys"
	"github.com/veritaschain/veritas/pkg/storage/prooflist"
)

func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "generate-template":
		err = cmdGenerateTemplate(os.Args[2:])
	case "generate-config":
		err = cmdGenerateConfig(os.Args[2:])
	case "finalize":
		err = cmdFinalize(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "run-dev":
		err = cmdRunDev(os.Args[2:])
	case "maintenance":
		err = cmdMaintenance(os.Args[2:])
	case "-help", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: node <subcommand> [flags]

subcommands:
  generate-template   write a genesis parameter template
  generate-config     generate one validator's keys and public config entry
  finalize            merge per-validator public configs into a genesis document
  run                 run a node from its node config and genesis document
  run-dev             run a single-validator devnet with ephemeral keys
  maintenance clear-cache              remove the node's local storage directory
  maintenance restart-migration <svc>  log that no migration engine exists (no-op)`)
}

// --- generate-template ---------------------------------------------------

func cmdGenerateTemplate(args []string) error {
	fs := flag.NewFlagSet("generate-template", flag.ExitOnError)
	output := fs.String("output", "template.toml", "path to write the genesis template")
	roundTimeout := fs.Duration("round-timeout", 3*time.Second, "consensus round timeout")
	proposeTimeout := fs.Duration("propose-timeout", 500*time.Millisecond, "leader propose timeout")
	maxTxPerBlock := fs.Uint("max-transactions-per-block", 1000, "maximum transactions per block")
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := fmt.Sprintf(`# genesis template: fill in validators with generate-config + finalize.
listen_address = "0.0.0.0:26650"

[consensus]
round_timeout_millis = %d
status_timeout_millis = 5000
peers_timeout_millis = 10000
propose_timeout_millis = %d
max_transactions_per_block = %d
`, roundTimeout.Milliseconds(), proposeTimeout.Milliseconds(), *maxTxPerBlock)
	if err := os.WriteFile(*output, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing template: %w", err)
	}
	log.Printf("wrote genesis template to %s", *output)
	return nil
}

// --- generate-config ------------------------------------------------------

func cmdGenerateConfig(args []string) error {
	fs := flag.NewFlagSet("generate-config", flag.ExitOnError)
	keysDir := fs.String("keys-dir", ".", "directory to write this validator's encrypted key files")
	address := fs.String("address", "", "address other validators dial to reach this one")
	masterKeyPass := fs.String("master-key-pass", "env", `"env", "pass:<value>"`)
	output := fs.String("output", "validator.toml", "path to write this validator's public config entry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" {
		return fmt.Errorf("-address is required")
	}
	passphrase, err := resolveMasterKeyPass(*masterKeyPass)
	if err != nil {
		return err
	}

	consensusSeed, _, consensusPub, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating consensus key: %w", err)
	}
	serviceSeed, _, servicePub, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating service key: %w", err)
	}
	networkKeys, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating network key: %w", err)
	}

	if err := os.MkdirAll(*keysDir, 0o755); err != nil {
		return fmt.Errorf("creating keys dir: %w", err)
	}
	if err := keystore.Save(filepath.Join(*keysDir, "consensus.key"), consensusSeed, passphrase); err != nil {
		return err
	}
	if err := keystore.Save(filepath.Join(*keysDir, "service.key"), serviceSeed, passphrase); err != nil {
		return err
	}
	var networkSeed crypto.Seed
	copy(networkSeed[:], networkKeys.Private)
	if err := keystore.Save(filepath.Join(*keysDir, "network.key"), networkSeed, passphrase); err != nil {
		return err
	}

	content := fmt.Sprintf(`[[validators]]
consensus_key = "%x"
service_key = "%x"
address = "%s"
`, consensusPub[:], servicePub[:], *address)
	if err := os.WriteFile(*output, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing public config: %w", err)
	}
	log.Printf("generated validator keys in %s, public config at %s", *keysDir, *output)
	return nil
}

// --- finalize ---------------------------------------------------------

func cmdFinalize(args []string) error {
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	template := fs.String("template", "template.toml", "genesis template from generate-template")
	output := fs.String("output", "genesis.toml", "path to write the final genesis document")
	var publicConfigs stringList
	fs.Var(&publicConfigs, "public-config", "a validator's public config file (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(publicConfigs) == 0 {
		return fmt.Errorf("at least one -public-config is required")
	}
	base, err := os.ReadFile(*template)
	if err != nil {
		return fmt.Errorf("reading template %s: %w", *template, err)
	}
	var out []byte
	out = append(out, base...)
	out = append(out, '\n')
	for _, path := range publicConfigs {
		chunk, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading public config %s: %w", path, err)
		}
		out = append(out, chunk...)
		out = append(out, '\n')
	}
	if err := os.WriteFile(*output, out, 0o644); err != nil {
		return fmt.Errorf("writing genesis document: %w", err)
	}
	log.Printf("wrote genesis document to %s from %d validator(s)", *output, len(publicConfigs))
	return nil
}

type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// --- run / run-dev ------------------------------------------------------

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("node-config", "node.yaml", "path to the node's YAML runtime config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := nodeconfig.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	gen, err := genesis.Load(cfg.GenesisPath)
	if err != nil {
		return err
	}
	passphrase, err := cfg.MasterKeyPassphrase()
	if err != nil {
		return err
	}
	consensusSeed, err := keystore.Load(cfg.Keys.ConsensusKeyPath, passphrase)
	if err != nil {
		return err
	}
	serviceSeed, err := keystore.Load(cfg.Keys.ServiceKeyPath, passphrase)
	if err != nil {
		return err
	}
	consensusSecret, consensusPub := crypto.KeyPair(consensusSeed)
	_ = serviceSeed // the service key signs service-level artifacts outside consensus itself; reserved for registered services.

	return runNode(nodeBootstrap{
		genesis:          gen,
		networkID:        1,
		consensusSecret:  consensusSecret,
		consensusPub:     consensusPub,
		listenAddress:    cfg.Network.ListenAddress,
		apiListenAddress: cfg.API.ListenAddress,
		apiEnabled:       cfg.API.Enabled,
		netConfig: network.Config{
			MaxOutgoingConnections: cfg.Network.MaxOutgoingConnections,
			MaxIncomingConnections: cfg.Network.MaxIncomingConnections,
			OutgoingQueueDepth:     cfg.Network.OutgoingQueueDepth,
			TCPConnectMaxRetries:   cfg.Network.TCPConnectMaxRetries,
			RedialBaseDelay:        cfg.Network.RedialBaseDelay.Duration(),
			RedialMaxDelay:         cfg.Network.RedialMaxDelay.Duration(),
		},
	})
}

func cmdRunDev(args []string) error {
	fs := flag.NewFlagSet("run-dev", flag.ExitOnError)
	listen := fs.String("listen-address", "127.0.0.1:26650", "address to listen on")
	apiListen := fs.String("api-listen-address", "127.0.0.1:8080", "address the push API listens on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, consensusSecret, consensusPub, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating devnet key: %w", err)
	}
	cfg := blockchain.ConsensusConfig{
		Validators:              []blockchain.ValidatorKeys{{ConsensusKey: consensusPub, ServiceKey: consensusPub}},
		RoundTimeout:            3 * time.Second,
		StatusTimeout:           5 * time.Second,
		PeersTimeout:            10 * time.Second,
		ProposeTimeout:          500 * time.Millisecond,
		MaxTransactionsPerBlock: 1000,
	}
	gen := &genesis.Config{
		Consensus:     cfg,
		ConnectList:   map[crypto.PublicKey]string{consensusPub: *listen},
		ListenAddress: *listen,
	}
	log.Printf("run-dev: single validator %s listening on %s", consensusPub, *listen)
	return runNode(nodeBootstrap{
		genesis:          gen,
		networkID:        0,
		consensusSecret:  consensusSecret,
		consensusPub:     consensusPub,
		listenAddress:    *listen,
		apiListenAddress: *apiListen,
		apiEnabled:       true,
		netConfig: network.Config{
			MaxOutgoingConnections: 16,
			MaxIncomingConnections: 32,
			OutgoingQueueDepth:     256,
			TCPConnectMaxRetries:   5,
			RedialBaseDelay:        500 * time.Millisecond,
			RedialMaxDelay:         30 * time.Second,
		},
	})
}

type nodeBootstrap struct {
	genesis          *genesis.Config
	networkID        uint32
	consensusSecret  crypto.SecretKey
	consensusPub     crypto.PublicKey
	listenAddress    string
	apiListenAddress string
	apiEnabled       bool
	netConfig        network.Config
}

func runNode(b nodeBootstrap) error {
	db := storage.NewDatabase()
	dispatcher := runtime.NewDispatcher() // no services registered: the core is service-agnostic (spec §1).

	if err := bootstrapGenesis(db, dispatcher, &b.genesis.Consensus); err != nil {
		return fmt.Errorf("bootstrapping genesis: %w", err)
	}

	codec := messages.NewCodec(b.networkID)
	pool := blockchain.NewPool()

	networkKeys, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating network transport key: %w", err)
	}
	netPool := network.NewPool(b.netConfig, b.genesis.ConnectList, networkKeys.Private, networkKeys.Public)

	loop := node.NewLoop(node.Config{
		NetPool:    netPool,
		Database:   db,
		TxPool:     pool,
		Codec:      codec,
		Dispatcher: dispatcher,
		NetworkID:  b.networkID,
	})

	engine, err := consensus.NewEngine(consensus.Config{
		NetworkID:        b.networkID,
		Database:         db,
		Dispatcher:       dispatcher,
		Codec:            codec,
		Pool:             pool,
		Network:          netPool,
		Clock:            consensus.SystemClock{},
		SelfConsensusKey: b.consensusPub,
		SelfSecretKey:    b.consensusSecret,
		OnCommit:         loop.OnCommit,
	})
	if err != nil {
		return fmt.Errorf("constructing consensus engine: %w", err)
	}
	loop.AttachEngine(engine)

	var httpServer *http.Server
	if b.apiEnabled {
		handlers := pushapi.NewHandlers(loop, loop, nil)
		mux := http.NewServeMux()
		mux.HandleFunc("/transactions", handlers.HandleTransactions)
		mux.HandleFunc("/blocks", handlers.HandleBlocks)
		mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				handlers.HandleTxStatusWS(w, r)
				return
			}
			handlers.HandleTxStatus(w, r)
		})
		httpServer = &http.Server{Addr: b.apiListenAddress, Handler: mux}
		go func() {
			log.Printf("push API listening on %s", b.apiListenAddress)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("push API server error: %v", err)
			}
		}()
	}

	go loop.Run()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	loop.Shutdown()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("push API shutdown error: %v", err)
		}
	}
	return nil
}

// bootstrapGenesis writes the height-0 block and the genesis consensus
// configuration, if the database does not already have a committed
// height (spec §6: "The genesis block has height 0, prev_hash = 0,
// tx_count = 0, and its state_hash reflects services' initial state.").
func bootstrapGenesis(db *storage.Database, dispatcher *runtime.Dispatcher, cfg *blockchain.ConsensusConfig) error {
	snapshot := db.Snapshot()
	schema, err := blockchain.NewSchema(snapshot)
	if err != nil {
		return err
	}
	if _, ok := schema.Height(); ok {
		return nil // already bootstrapped
	}

	fork := snapshot.Fork()
	if err := dispatcher.BeforeTransactions(fork); err != nil {
		return fmt.Errorf("running before_transactions over genesis state: %w", err)
	}
	if err := dispatcher.AfterTransactions(fork); err != nil {
		return fmt.Errorf("running after_transactions over genesis state: %w", err)
	}

	stateRoots := dispatcher.StateHash(fork)
	stateAddr := storage.NewAddress("core", "block_state_roots").InFamily(keys.Concat(keys.U64(0)))
	stateList, err := prooflist.New(fork, stateAddr)
	if err != nil {
		return fmt.Errorf("opening genesis state root list: %w", err)
	}
	for _, h := range stateRoots {
		if err := stateList.Push(h.Bytes()); err != nil {
			return fmt.Errorf("recording genesis state root: %w", err)
		}
	}

	block := blockchain.Genesis(stateList.ObjectHash())
	forkSchema, err := blockchain.NewSchema(fork)
	if err != nil {
		return err
	}
	if err := forkSchema.PutBlock(block); err != nil {
		return err
	}
	if err := forkSchema.SetHeight(0); err != nil {
		return err
	}
	if err := forkSchema.PutConfig(cfg); err != nil {
		return err
	}
	return db.Merge(fork.IntoPatch())
}

func resolveMasterKeyPass(spec string) (string, error) {
	cfg := nodeconfig.NodeConfig{Keys: nodeconfig.KeysSettings{MasterKeyPass: spec}}
	return cfg.MasterKeyPassphrase()
}

// --- maintenance ---------------------------------------------------------

func cmdMaintenance(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("maintenance requires a subcommand: clear-cache | restart-migration <service>")
	}
	switch args[0] {
	case "clear-cache":
		return cmdMaintenanceClearCache(args[1:])
	case "restart-migration":
		return cmdMaintenanceRestartMigration(args[1:])
	default:
		return fmt.Errorf("unknown maintenance subcommand %q", args[0])
	}
}

func cmdMaintenanceClearCache(args []string) error {
	fs := flag.NewFlagSet("maintenance clear-cache", flag.ExitOnError)
	configPath := fs.String("node-config", "node.yaml", "path to the node's YAML runtime config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := nodeconfig.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.StoragePath == "" {
		log.Printf("storage_path is unset; nothing to clear")
		return nil
	}
	if err := os.RemoveAll(cfg.StoragePath); err != nil {
		return fmt.Errorf("clearing %s: %w", cfg.StoragePath, err)
	}
	log.Printf("cleared storage path %s", cfg.StoragePath)
	return nil
}

func cmdMaintenanceRestartMigration(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("restart-migration requires a service name")
	}
	// The core dispatcher (pkg/runtime) does not itself persist
	// migration progress; a service implementing one tracks its own
	// state in storage and resumes it from BeforeTransactions. This
	// subcommand exists for CLI-surface completeness per spec §6 and
	// simply reports that no service is registered to migrate.
	log.Printf("no migration state tracked for service %q: the core carries no migration engine of its own", args[0])
	return nil
}
