package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	api "github.com/YechenGu/curve/pkg/api"
)

func usage() {
	fmt.Fprintf(os.Stderr, `chunkserver-cli usage:
  chunkserver-cli status [--addr host:port]
  chunkserver-cli copyset --pool N --copyset N [--addr host:port]
  chunkserver-cli create --pool N --copyset N --peers ip:port:idx,... [--addr host:port]
  chunkserver-cli leader --pool N --copyset N [--addr host:port]
  chunkserver-cli transfer-leader --pool N --copyset N --peer ip:port:idx [--addr host:port]
  chunkserver-cli change-peers --pool N --copyset N --peers ip:port:idx,... [--addr host:port]
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "status":
		statusCmd(args)
	case "copyset":
		copysetCmd(args)
	case "create":
		createCmd(args)
	case "leader":
		leaderCmd(args)
	case "transfer-leader":
		transferLeaderCmd(args)
	case "change-peers":
		changePeersCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

type copysetFlags struct {
	fs      *flag.FlagSet
	addr    *string
	pool    *uint
	copyset *uint
}

func newCopysetFlags(name string) copysetFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return copysetFlags{
		fs:      fs,
		addr:    fs.String("addr", "127.0.0.1:8200", "chunkserver gRPC address"),
		pool:    fs.Uint("pool", 0, "logic pool id"),
		copyset: fs.Uint("copyset", 0, "copyset id"),
	}
}

func (f copysetFlags) parse(args []string) {
	_ = f.fs.Parse(args)
	if *f.pool == 0 || *f.copyset == 0 {
		fail("--pool and --copyset are required")
	}
}

func dial(addr string) *grpc.ClientConn {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		api.DialOption())
	if err != nil {
		fail("dial %s: %v", addr, err)
	}
	return conn
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func splitPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8200", "chunkserver gRPC address")
	_ = fs.Parse(args)

	conn := dial(*addr)
	defer conn.Close()
	ctx, cancel := timeout()
	defer cancel()

	resp, err := api.NewChunkServerServiceClient(conn).ChunkServerStatus(ctx, &api.ChunkServerStatusRequest{})
	if err != nil {
		fail("status error: %v", err)
	}
	fmt.Printf("copysetLoadFin=%t\n", resp.CopysetLoadFin)
}

func copysetCmd(args []string) {
	f := newCopysetFlags("copyset")
	f.parse(args)

	conn := dial(*f.addr)
	defer conn.Close()
	ctx, cancel := timeout()
	defer cancel()

	resp, err := api.NewCopysetServiceClient(conn).GetCopysetStatus(ctx, &api.CopysetStatusRequest{
		LogicPoolID: uint32(*f.pool),
		CopysetID:   uint32(*f.copyset),
	})
	if err != nil {
		fail("copyset error: %v", err)
	}
	if resp.Status != api.CopysetOpStatusSuccess {
		fail("copyset error: %s", resp.Status)
	}
	fmt.Printf("state=%s leader=%s epoch=%d term=%d\n", resp.State, resp.Leader, resp.Epoch, resp.Term)
	fmt.Printf("peers=%s\n", strings.Join(resp.Peers, ","))
	fmt.Printf("firstIndex=%d lastIndex=%d committed=%d applied=%d\n",
		resp.FirstIndex, resp.LastIndex, resp.CommittedIndex, resp.KnownAppliedIndex)
}

func createCmd(args []string) {
	f := newCopysetFlags("create")
	peers := f.fs.String("peers", "", "comma separated peers")
	f.parse(args)
	if *peers == "" {
		fail("--peers is required")
	}

	conn := dial(*f.addr)
	defer conn.Close()
	ctx, cancel := timeout()
	defer cancel()

	resp, err := api.NewCopysetServiceClient(conn).CreateCopysetNode(ctx, &api.CopysetRequest{
		LogicPoolID: uint32(*f.pool),
		CopysetID:   uint32(*f.copyset),
		Peers:       splitPeers(*peers),
	})
	if err != nil {
		fail("create error: %v", err)
	}
	fmt.Println(resp.Status)
}

func leaderCmd(args []string) {
	f := newCopysetFlags("leader")
	f.parse(args)

	conn := dial(*f.addr)
	defer conn.Close()
	ctx, cancel := timeout()
	defer cancel()

	resp, err := api.NewCliService2Client(conn).GetLeader(ctx, &api.GetLeaderRequest{
		LogicPoolID: uint32(*f.pool),
		CopysetID:   uint32(*f.copyset),
	})
	if err != nil {
		fail("leader error: %v", err)
	}
	if resp.Leader == "" {
		fmt.Println("(no leader)")
		return
	}
	fmt.Println(resp.Leader)
}

func transferLeaderCmd(args []string) {
	f := newCopysetFlags("transfer-leader")
	target := f.fs.String("peer", "", "target peer")
	f.parse(args)
	if *target == "" {
		fail("--peer is required")
	}

	conn := dial(*f.addr)
	defer conn.Close()
	ctx, cancel := timeout()
	defer cancel()

	_, err := api.NewCliService2Client(conn).TransferLeader(ctx, &api.TransferLeaderRequest{
		LogicPoolID: uint32(*f.pool),
		CopysetID:   uint32(*f.copyset),
		Peer:        *target,
	})
	if err != nil {
		fail("transfer-leader error: %v", err)
	}
	fmt.Println("OK")
}

func changePeersCmd(args []string) {
	f := newCopysetFlags("change-peers")
	peers := f.fs.String("peers", "", "comma separated new peers")
	f.parse(args)
	if *peers == "" {
		fail("--peers is required")
	}

	conn := dial(*f.addr)
	defer conn.Close()
	ctx, cancel := timeout()
	defer cancel()

	resp, err := api.NewCliService2Client(conn).ChangePeers(ctx, &api.ChangePeersRequest{
		LogicPoolID: uint32(*f.pool),
		CopysetID:   uint32(*f.copyset),
		NewPeers:    splitPeers(*peers),
	})
	if err != nil {
		fail("change-peers error: %v", err)
	}
	fmt.Printf("old=%s\nnew=%s\n", strings.Join(resp.OldPeers, ","), strings.Join(resp.NewPeers, ","))
}
