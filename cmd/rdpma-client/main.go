// Command rdpma-client is a standalone example of the Client
// Submission Path's external API: it bootstraps
// against an rdpma-server, then issues a put or a get for one key,
// standing in for the kernel page-eviction glue that drives these
// calls in a real deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rdpma/rdpma/internal/bootstrap"
	"github.com/rdpma/rdpma/pkg/client"
	"github.com/rdpma/rdpma/pkg/proto"
	_ "github.com/rdpma/rdpma/pkg/transport/simnet"
)

func main() {
	server := flag.String("server", "127.0.0.1", "rdpma-server host")
	tcpPort := flag.Int("t", 7471, "TCP bootstrap port")
	qid := flag.Int("q", 0, "origin queue / node identifier for this client")
	key := flag.Uint64("k", 1, "key to put or get")
	numPages := flag.Int("num", 1, "page count (1..15)")
	op := flag.String("op", "put", "operation: put|get|roundtrip")
	fillByte := flag.Int("fill", 0x42, "byte value to fill put pages with")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	bootAddr := net.JoinHostPort(*server, strconv.Itoa(*tcpPort))
	local := bootstrap.Record{NodeID: uint32(*qid)}
	conn, peer, err := bootstrap.DialAndExchange(bootAddr, local)
	if err != nil {
		log.WithError(err).Fatal("bootstrap exchange failed")
	}
	conn.Close()

	dataPort := int(peer.MMBase)
	dataAddr := net.JoinHostPort(*server, strconv.Itoa(dataPort))
	log.WithFields(log.Fields{"data_addr": dataAddr, "server_node_id": peer.NodeID}).Info("bootstrap complete")

	layout := proto.RegionLayout{NumQIDs: 256, StagingSize: 64 << 20}
	c, err := client.Dial("simnet", dataAddr, uint8(*qid), layout)
	if err != nil {
		log.WithError(err).Fatal("failed to connect data plane")
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pages := make([][]byte, *numPages)
	for i := range pages {
		p := make([]byte, proto.PageSize)
		for j := range p {
			p[j] = byte(*fillByte)
		}
		pages[i] = p
	}

	switch *op {
	case "put":
		if err := c.Put(ctx, *key, pages); err != nil {
			log.WithError(err).Fatal("put failed")
		}
		log.WithField("key", *key).Info("put committed")
	case "get":
		got, err := c.Get(ctx, *key, *numPages)
		if err != nil {
			log.WithError(err).Fatal("get failed")
		}
		fmt.Printf("key=%d pages=%d first_byte=0x%02x\n", *key, len(got), got[0][0])
	case "roundtrip":
		if err := c.Put(ctx, *key, pages); err != nil {
			log.WithError(err).Fatal("put failed")
		}
		got, err := c.Get(ctx, *key, *numPages)
		if err != nil {
			log.WithError(err).Fatal("get failed")
		}
		if got[0][0] != pages[0][0] {
			log.Fatal("round-trip mismatch")
		}
		log.WithField("key", *key).Info("round-trip verified")
	default:
		log.Fatalf("unknown -op %q", *op)
	}
}
