// Command rdpma-server is the memory-side node: it brings up the
// per-NUMA persistent pools, the CCEH index, and the dispatch engine
// (pkg/server), then accepts client bootstrap exchanges and simnet
// data-plane connections. A real verbs backend would also drive the
// INIT->RTR->RTS QP transition this CLI's bootstrap step prepares
// for; that transition belongs to the verbs layer, not here.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/rdpma/rdpma/internal/affinity"
	"github.com/rdpma/rdpma/internal/bootstrap"
	"github.com/rdpma/rdpma/internal/config"
	"github.com/rdpma/rdpma/pkg/index"
	"github.com/rdpma/rdpma/pkg/pmem"
	"github.com/rdpma/rdpma/pkg/proto"
	"github.com/rdpma/rdpma/pkg/server"
	"github.com/rdpma/rdpma/pkg/transport/simnet"
)

func main() {
	tcpPort := flag.Int("t", 7471, "TCP bootstrap port")
	ibPort := flag.Int("i", 1, "IB device port index")
	tableSize := flag.Int("s", 1<<16, "initial table size (pairs)")
	datasetSize := flag.Int("n", 1<<20, "expected dataset size")
	poolSuffix := flag.String("z", "rdpma.pool", "persistent pool file name suffix; per-NUMA files live at /mnt/pmemN/hashtable.<suffix> and /mnt/pmemN/log.<suffix>")
	netMask := flag.String("W", "0x1", "CPU bitmask for network (receive-poll) threads")
	kvMask := flag.String("K", "0x2", "CPU bitmask for KV-worker threads")
	pollMask := flag.String("P", "0x4", "CPU bitmask for CQ-poll threads")
	verbose := flag.Bool("v", false, "verbose logging")
	human := flag.Bool("h", false, "human-readable stats")
	policyName := flag.String("policy", "balanced", "split placement policy: skewed|balanced|random|lrfu")
	configPath := flag.String("c", "", "optional ini config file overriding these flags (see internal/config)")
	flag.Parse()

	if *configPath != "" {
		if err := applyConfig(*configPath, tcpPort, ibPort, tableSize, datasetSize, poolSuffix, netMask, kvMask, pollMask, verbose, human); err != nil {
			log.WithError(err).Fatal("failed to load config file")
		}
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	kvCPUs, err := affinity.ParseMask(*kvMask)
	if err != nil {
		log.WithError(err).Fatal("invalid -K mask")
	}
	if _, err := affinity.ParseMask(*netMask); err != nil {
		log.WithError(err).Fatal("invalid -W mask")
	}
	if _, err := affinity.ParseMask(*pollMask); err != nil {
		log.WithError(err).Fatal("invalid -P mask")
	}
	log.WithField("ib_port", *ibPort).Debug("ib device port index only matters to a real verbs backend; simnet ignores it")

	policy, err := splitPolicy(*policyName)
	if err != nil {
		log.WithError(err).Fatal("invalid -policy")
	}

	numaDirs := numaPoolDirs()
	log.WithField("nodes", len(numaDirs)).Info("bringing up persistent pools")

	hashPools := make([]*pmem.Pool, len(numaDirs))
	logPools := make([]*pmem.Pool, len(numaDirs))
	for i, dir := range numaDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.WithError(err).Fatalf("create pool dir %s", dir)
		}
		hashSize := int64(*tableSize) * 128
		if hashSize < 4<<20 {
			hashSize = 4 << 20
		}
		logSize := int64(*datasetSize) * proto.PageSize
		if logSize < 16<<20 {
			logSize = 16 << 20
		}

		hashPath := filepath.Join(dir, "hashtable."+*poolSuffix)
		hp, existed, err := pmem.Open(hashPath, hashSize, pmem.PoolTypeHashTable)
		if err != nil {
			log.WithError(err).Fatalf("open hashtable pool %s", hashPath)
		}
		hashPools[i] = hp
		if existed {
			log.WithField("node", i).Info("recovering existing hash-table pool")
		}

		logPath := filepath.Join(dir, "log."+*poolSuffix)
		lp, _, err := pmem.Open(logPath, logSize, pmem.PoolTypeLog)
		if err != nil {
			log.WithError(err).Fatalf("open log pool %s", logPath)
		}
		logPools[i] = lp
	}
	defer func() {
		for _, p := range hashPools {
			_ = p.Close()
		}
		for _, p := range logPools {
			_ = p.Close()
		}
	}()

	var idx *index.Index
	if existingIndex(numaDirs, *poolSuffix) {
		idx, err = index.Recover(hashPools, policy)
		if err == nil {
			restoreLogAllocators(idx, logPools)
		}
	} else {
		idx, err = index.New(hashPools, policy)
	}
	if err != nil {
		log.WithError(err).Fatal("failed to bring up index")
	}

	layout := proto.RegionLayout{NumQIDs: 256, StagingSize: 64 << 20}
	region := make([]byte, layout.Size())

	srv, err := server.New(idx, logPools, region, layout, 4096)
	if err != nil {
		log.WithError(err).Fatal("failed to create server")
	}

	simSrv := simnet.NewServer(region, srv.Accept)
	dataLn, err := simSrv.ListenAndServe(":0")
	if err != nil {
		log.WithError(err).Fatal("failed to start data-plane listener")
	}
	dataPort := dataLn.Addr().(*net.TCPAddr).Port
	log.WithField("port", dataPort).Info("data-plane listener up")

	bootLn, err := net.Listen("tcp", fmt.Sprintf(":%d", *tcpPort))
	if err != nil {
		log.WithError(err).Fatalf("failed to bind bootstrap port %d", *tcpPort)
	}
	go runBootstrapListener(bootLn, dataPort)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		srv.Stop()
		bootLn.Close()
		dataLn.Close()
	}()

	if *human {
		log.Info("human-readable stats requested; only startup summary is printed today")
	}

	srv.Run(ctx, kvCPUs)
}

// runBootstrapListener answers the TCP bootstrap exchange, one
// round-trip per connecting client: it hands back a Record whose
// MMBase field carries the simnet data-plane port the
// client should dial next, since a software loopback backend has no
// real queue-pair numbers, LIDs, or rkeys to exchange.
func runBootstrapListener(ln net.Listener, dataPort int) {
	var nextNodeID uint32
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		nodeID := nextNodeID
		nextNodeID++
		go func(conn net.Conn, nodeID uint32) {
			defer conn.Close()
			local := bootstrap.Record{NodeID: nodeID, MMBase: uint64(dataPort)}
			if _, err := bootstrap.Accept(conn, local); err != nil {
				log.WithError(err).Warn("bootstrap exchange failed")
			}
		}(conn, nodeID)
	}
}

// restoreLogAllocators walks every recovered value and advances each
// log pool's bump-allocator cursor past the furthest page any
// recovered key still points at, so the first post-recovery PUT
// doesn't allocate over live page data. Recover itself only rebuilds
// the directory and segment tree; the log pool's allocator state is
// server-layer bookkeeping the index knows nothing about.
func restoreLogAllocators(idx *index.Index, logPools []*pmem.Pool) {
	maxOff := make([]int64, len(logPools))
	idx.ForEach(func(_, value uint64) {
		node, off := server.DecodeValue(value)
		if node >= 0 && node < len(maxOff) && off+proto.PageSize > maxOff[node] {
			maxOff[node] = off + proto.PageSize
		}
	})
	for node, off := range maxOff {
		if off > 0 {
			logPools[node].RestoreAllocator(off)
		}
	}
}

func existingIndex(dirs []string, suffix string) bool {
	if len(dirs) == 0 {
		return false
	}
	_, err := os.Stat(filepath.Join(dirs[0], "hashtable."+suffix))
	return err == nil
}

func splitPolicy(name string) (index.SplitPolicy, error) {
	switch name {
	case "skewed":
		return index.SkewedPolicy{}, nil
	case "balanced":
		return index.BalancedPolicy{}, nil
	case "random":
		return index.NewRandomPolicy(1), nil
	case "lrfu":
		return index.NewLRFUPolicy(len(numaPoolDirs())), nil
	default:
		return nil, fmt.Errorf("unknown split policy %q", name)
	}
}

// numaPoolDirs discovers per-NUMA pmem mount points. On a host
// without real PM devices (any development or CI machine) it falls
// back to one local directory so the server still runs.
func numaPoolDirs() []string {
	matches, _ := filepath.Glob("/mnt/pmem*")
	if len(matches) > 0 {
		return matches
	}
	return []string{filepath.Join(os.TempDir(), "rdpma", "pmem0")}
}

// applyConfig overlays a config file onto the flag values: any non-zero
// field in the loaded config overrides the corresponding flag value,
// whether or not that flag was given on the command line.
func applyConfig(path string, tcpPort, ibPort, tableSize, datasetSize *int, poolSuffix, netMask, kvMask, pollMask *string, verbose, human *bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.TCPPort != 0 {
		*tcpPort = cfg.TCPPort
	}
	if cfg.IBPort != 0 {
		*ibPort = cfg.IBPort
	}
	if cfg.TableSize != 0 {
		*tableSize = cfg.TableSize
	}
	if cfg.DatasetSize != 0 {
		*datasetSize = cfg.DatasetSize
	}
	if cfg.PoolSuffix != "" {
		*poolSuffix = cfg.PoolSuffix
	}
	if cfg.NetCPUMask != "" {
		*netMask = cfg.NetCPUMask
	}
	if cfg.KVCPUMask != "" {
		*kvMask = cfg.KVCPUMask
	}
	if cfg.PollCPUMask != "" {
		*pollMask = cfg.PollCPUMask
	}
	if cfg.Verbose {
		*verbose = true
	}
	if cfg.Human {
		*human = true
	}
	return nil
}
