package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	"broadcast_change": rpc.NewRPCFunc(BroadcastChangeAsync, "change"),
	"status":           rpc.NewRPCFunc(Status, ""),
	"block":            rpc.NewRPCFunc(Block, "epoch"),
	"block_range":      rpc.NewRPCFunc(BlockRange, "from,to"),
	"block_stats":      rpc.NewRPCFunc(BlockStats, "from,to"),
	"validators":       rpc.NewRPCFunc(Validators, ""),
	"metrics":          rpc.NewRPCFunc(JSONMetrics, "label"),
}
