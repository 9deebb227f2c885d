package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log"

	"github.com/hyli-rollup/orderbook/params"
	"github.com/hyli-rollup/orderbook/pkg/abci"
	"github.com/hyli-rollup/orderbook/pkg/api"
	"github.com/hyli-rollup/orderbook/pkg/bus"
	"github.com/hyli-rollup/orderbook/pkg/consensus"
	"github.com/hyli-rollup/orderbook/pkg/crypto"
	"github.com/hyli-rollup/orderbook/pkg/devnet"
	"github.com/hyli-rollup/orderbook/pkg/executor"
	"github.com/hyli-rollup/orderbook/pkg/indexer"
	"github.com/hyli-rollup/orderbook/pkg/ome"
	"github.com/hyli-rollup/orderbook/pkg/p2p"
	"github.com/hyli-rollup/orderbook/pkg/storage"
	"github.com/hyli-rollup/orderbook/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/node.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Persistence ----
	store, err := storage.NewPebbleStore(cfg.Rollup.TradeHistoryDBPath)
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "err", err)
	}
	defer store.Close()

	// ---- OME / executor ----
	watched := make([]ome.ContractName, len(cfg.Rollup.WatchedContracts))
	for i, c := range cfg.Rollup.WatchedContracts {
		watched[i] = ome.ContractName(c)
	}
	execStore := executor.NewStore(ome.LaneId(cfg.Rollup.LaneID), watched)

	orderbookState := ome.NewState(ome.LaneId(cfg.Rollup.LaneID))
	engine := ome.Engine{}
	orderbookBox := executor.NewOrderbookBox(orderbookState, engine)
	execStore.SettledStates[api.OrderbookContractName] = orderbookBox
	execStore.OptimisticStates[api.OrderbookContractName] = orderbookBox.Clone()

	if snap, err := store.LoadExecutorSnapshot(); err != nil {
		sugar.Errorw("load_snapshot_failed", "err", err)
	} else if snap != nil {
		restored, err := executor.RestoreStore(snap, executor.DeserializeOrderbookBox(engine))
		if err != nil {
			sugar.Errorw("restore_snapshot_failed", "err", err)
		} else {
			execStore = restored
			sugar.Infow("snapshot_restored", "height", execStore.BlockHeight)
		}
	}

	ex := executor.NewExecutor(execStore, sugar)

	// ---- Read model and event fan-out ----
	view := indexer.NewView()
	if orderbook, ok := execStore.OptimisticStates[api.OrderbookContractName]; ok && orderbook.Orderbook != nil {
		view.Publish(orderbook.Orderbook.State)
	}
	ix := indexer.New(view)
	eventBus := bus.New(cfg.API.EventBusDepth)

	go func() {
		for ev := range ex.Out {
			if ev.Kind == executor.EventTxExecutionSuccess {
				eventBus.PublishAll(ev.Outputs)
			}
		}
	}()

	// ---- Devnet mempool + consensus wiring ----
	mp := devnet.NewMempool()
	app := devnet.NewApp(ex, mp, view, cfg.Rollup.LaneID)
	bridge := &abci.Bridge{App: app}

	selfID := consensus.NodeID(cfg.Consensus.Validators[0])
	var ids []consensus.NodeID
	for _, v := range cfg.Consensus.Validators {
		ids = append(ids, consensus.NodeID(v))
	}
	if cfg.Node.SingleNode {
		ids = []consensus.NodeID{selfID}
	}
	n := len(ids)
	t := (n - 1) / 3

	state := &consensus.State{
		Q:       consensus.Quorum{N: n, T: t},
		SelfID:  selfID,
		Blocks:  make(map[consensus.Hash]consensus.Block),
		Genesis: consensus.GenesisBlock(),
	}
	safety := consensus.NewSafety(state)
	pm := consensus.NewPacemaker(
		consensus.PacemakerTimers{Ppc: cfg.Consensus.Ppc, Delta: cfg.Consensus.Delta},
		util.RealClock{},
		state,
	)
	elec := consensus.RoundRobinElector{IDs: ids}
	var signer interface{} = crypto.DummySigner{}

	lpn, err := p2p.NewLibp2pNet(context.Background(), p2p.Libp2pConfig{
		ListenAddr: os.Getenv("LISTEN"),
		Bootstrap:  []string{},
		SelfID:     state.SelfID,
		Quorum:     state.Q,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}

	consensusEngine := consensus.NewEngine(state, safety, pm, bridge, lpn, elec, signer)
	consensusEngine.Logger = sugar
	consensusEngine.Store = storage.NewInMemoryBlockStore()

	walPath := os.Getenv("CONSENSUS_WAL_FILE")
	if walPath == "" {
		consensusEngine.WAL = storage.NewNopWAL()
	} else if fileWAL, err := storage.NewFileWAL(walPath); err != nil {
		sugar.Errorw("wal_open_failed", "err", err, "path", walPath)
		consensusEngine.WAL = storage.NewNopWAL()
	} else {
		consensusEngine.WAL = fileWAL
	}
	if os.Getenv("VERBOSE") == "true" {
		consensusEngine.VerboseLogging = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Executor's single cooperative loop: the only goroutine that
	// ever mutates execStore. Everything else (dissemination, settlement)
	// reaches it through ex.Submit*.
	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		ex.Run(ctx)
	}()

	// ---- Dissemination: submitted transactions hit the optimistic
	// projection immediately, then wait in the mempool to be sequenced.
	submissions := make(chan executor.BlobTransaction, 256)
	stopDisseminate := make(chan struct{})
	go devnet.DisseminateLoop(ex, mp, submissions, stopDisseminate)
	defer close(stopDisseminate)

	submit := func(tx executor.BlobTransaction) {
		select {
		case submissions <- tx:
		default:
			sugar.Warnw("submission_queue_full", "identity", tx.Identity)
		}
	}

	// ---- API server ----
	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain())
	apiServer := api.NewServer(ix, eip712, submit, cfg.API.CORSOrigins)
	stopBridge := make(chan struct{})
	apiServer.BridgeBus(eventBus, stopBridge)
	defer close(stopBridge)

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.API.ListenAddr)
		if err := apiServer.Start(cfg.API.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_starting",
		"config_validators", len(cfg.Consensus.Validators),
		"active_validators", len(ids),
		"single_node_mode", cfg.Node.SingleNode,
		"quorum_need", 2*t+1,
		"lane_id", cfg.Rollup.LaneID,
	)

	go func() {
		if err := consensusEngine.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Fatalw("engine_failed", "err", err)
		}
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	logInterval := consensus.Height(100)
	lastLoggedHeight := consensus.Height(0)

	for {
		select {
		case <-ctx.Done():
			<-execDone // wait for Run to stop touching execStore before reading it
			snap, err := ex.BuildSnapshot()
			if err != nil {
				sugar.Errorw("build_snapshot_failed", "err", err)
				return
			}
			if err := store.SaveExecutorSnapshot(snap); err != nil {
				sugar.Errorw("save_snapshot_failed", "err", err)
			}
			return
		case <-ticker.C:
			if state.Height-lastLoggedHeight >= logInterval || state.Height <= 5 {
				sugar.Infow("consensus_progress", "height", state.Height, "view", state.View)
				lastLoggedHeight = state.Height
			}
		}
	}
}
