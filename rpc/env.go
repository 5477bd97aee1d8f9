package rpc

import (
	jsoniter "github.com/json-iterator/go"

	"worldbft_demo/consensus"
	"worldbft_demo/libs/metric"
	"worldbft_demo/mempool"
	"worldbft_demo/store"
)

var (
	env  *Environment
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

func SetEnvironment(e *Environment) {
	env = e
}

type Environment struct {
	ChangePool mempool.ChangePool
	Consensus  *consensus.State
	BlockStore store.Store

	MetricSet *metric.MetricSet
}
