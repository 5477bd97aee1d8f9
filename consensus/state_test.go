package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	cfg "worldbft_demo/config"
	cstype "worldbft_demo/consensus/types"
	mempl "worldbft_demo/mempool"
	"worldbft_demo/privval"
	"worldbft_demo/store"
	"worldbft_demo/types"
)

const testChainID = "worldbft-test"

// 生成指定数量的validator，返回相等数量的私钥和验证者集合
func newPrivAndValSet(count int, stake uint64) ([]*privval.FilePV, *types.ValidatorSet) {
	privs := make([]*privval.FilePV, 0, count)
	vallist := make([]*types.Validator, 0, count)

	for i := 0; i < count; i++ {
		pv := privval.GenFilePV("")
		privs = append(privs, pv)
		vallist = append(vallist, types.NewValidator(pv.Key.PubKey, stake))
	}

	return privs, types.NewValidatorSet(vallist)
}

func newTestState(privs []*privval.FilePV, vals *types.ValidatorSet) (*State, mempl.ChangePool) {
	pool := mempl.NewCListPool(cfg.DefaultMempoolConfig())
	cs := NewState(
		cfg.TestConsensusConfig(),
		testChainID,
		store.NewMemBlockStore(),
		pool,
		SetPrivValidator(privs[0]),
		SetValidatorSet(vals),
		SetMasternode(true),
	)
	cs.SetLogger(log.TestingLogger())
	return cs, pool
}

func testChanges(n int) []types.WorldChange {
	changes := make([]types.WorldChange, 0, n)
	for i := 0; i < n; i++ {
		changes = append(changes, types.WorldChange{
			Kind:      types.ChangePlayerAction,
			ActorID:   fmt.Sprintf("player-%d", i),
			Action:    "move",
			AreaID:    "area-test",
			Timestamp: time.Unix(1700000000, 0).UTC(),
		})
	}
	return changes
}

// makeSignedProposal 以proposer的身份对当前epoch/round打包提案
func makeSignedProposal(t *testing.T, cs *State, proposer *privval.FilePV, changes []types.WorldChange) *types.WorldStateProposal {
	t.Helper()
	proposal := types.NewProposal(proposer.GetAddress(), cs.CurrentEpoch, cs.CurrentRound, changes, cs.LastFinalizedHash)
	require.NoError(t, proposer.SignProposal(testChainID, proposal))
	return proposal
}

func makeSignedVote(t *testing.T, cs *State, voter *privval.FilePV, voteType types.VoteType, approve bool) *types.Vote {
	t.Helper()
	vote := &types.Vote{
		Type:       voteType,
		Approve:    approve,
		ProposalID: cs.ActiveProposal,
		Voter:      voter.GetAddress(),
		Epoch:      cs.CurrentEpoch,
		Round:      cs.CurrentRound,
		Timestamp:  time.Now(),
	}
	require.NoError(t, voter.SignVote(testChainID, vote))
	return vote
}

func makeSignedViewChange(t *testing.T, cs *State, voter *privval.FilePV, reason types.ViewChangeReason) *types.ViewChangeVote {
	t.Helper()
	vc := &types.ViewChangeVote{
		Voter:     voter.GetAddress(),
		NewRound:  cs.CurrentRound + 1,
		Epoch:     cs.CurrentEpoch,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	require.NoError(t, voter.SignViewChange(testChainID, vc))
	return vc
}

// drainInternal 把sendInternalMessage排队的自产消息同步处理掉
func drainInternal(cs *State, n int) {
	for i := 0; i < n; i++ {
		select {
		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)
		case <-time.After(time.Second):
			return
		}
	}
}

func TestProposalAdvancesToPrevote(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	proposal := makeSignedProposal(t, cs, privs[0], testChanges(3))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, "peer1"})

	assert.Equal(t, cstype.RoundStepPrevote, cs.Step)
	assert.Equal(t, proposal.ProposalID, cs.ActiveProposal)

	// 自己的prevote已经排在internal queue里
	drainInternal(cs, 1)
	assert.Equal(t, 1, cs.Votes.ApproveCount(types.PrevoteType))
	assert.True(t, cs.Votes.HasVoted(privs[0].GetAddress(), types.PrevoteType))
}

func TestRejectOlderEpochProposal(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)
	cs.CurrentEpoch = 5

	proposal := types.NewProposal(privs[0].GetAddress(), 3, 0, testChanges(1), nil)
	require.NoError(t, privs[0].SignProposal(testChainID, proposal))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, "peer1"})

	assert.Equal(t, cstype.RoundStepPropose, cs.Step)
	assert.Nil(t, cs.ActiveProposal)
}

func TestFutureProposalCached(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	proposal := types.NewProposal(privs[0].GetAddress(), 7, 0, testChanges(1), nil)
	require.NoError(t, privs[0].SignProposal(testChainID, proposal))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, "peer1"})

	assert.Equal(t, cstype.RoundStepPropose, cs.Step)
	assert.Contains(t, cs.futureProposals, uint64(7))
}

func TestTamperedProposalRejected(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	proposal := makeSignedProposal(t, cs, privs[1], testChanges(3))
	// 签名后篡改root
	proposal.MerkleRoot = types.ChangeSetRoot(testChanges(2))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, "peer1"})

	assert.Equal(t, cstype.RoundStepPropose, cs.Step)
	assert.Nil(t, cs.ActiveProposal)
}

// 4个等额验证者：3个prevote跨过0.67阈值和3票下限
func TestPrevoteThresholdEntersPrecommit(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	proposal := makeSignedProposal(t, cs, privs[0], testChanges(3))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
	drainInternal(cs, 1) // 自己的prevote

	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[1], types.PrevoteType, true)}, "peer1"})
	assert.Equal(t, cstype.RoundStepPrevote, cs.Step, "2/4 prevotes must not advance the step")

	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[2], types.PrevoteType, true)}, "peer2"})
	assert.Equal(t, cstype.RoundStepPrecommit, cs.Step)
}

func TestPrecommitThresholdFinalizes(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, pool := newTestState(privs, vals)
	for _, change := range testChanges(3) {
		require.NoError(t, pool.CheckChange(change, mempl.ChangeInfo{}))
	}

	proposal := makeSignedProposal(t, cs, privs[0], testChanges(3))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
	drainInternal(cs, 1)
	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[1], types.PrevoteType, true)}, "peer1"})
	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[2], types.PrevoteType, true)}, "peer2"})
	require.Equal(t, cstype.RoundStepPrecommit, cs.Step)
	drainInternal(cs, 1) // 自己的precommit

	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[1], types.PrecommitType, true)}, "peer1"})
	assert.Equal(t, cstype.RoundStepPrecommit, cs.Step, "2/4 precommits must not finalize")

	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[2], types.PrecommitType, true)}, "peer2"})

	// 敲定后：epoch加一、round归零、回到Propose
	assert.EqualValues(t, 1, cs.CurrentEpoch)
	assert.EqualValues(t, 0, cs.CurrentRound)
	assert.Equal(t, cstype.RoundStepPropose, cs.Step)
	assert.Nil(t, cs.ActiveProposal)
	assert.Zero(t, cs.Votes.Count(types.PrevoteType))

	// 账本里有epoch 0的区块，签名是precommit的签名
	block := cs.blockStore.LoadBlock(0)
	require.NotNil(t, block)
	assert.Equal(t, proposal.ProposalID, block.ProposalID)
	assert.Len(t, block.ValidatorSignatures, 3)
	assert.Equal(t, block.BlockHash, cs.LastFinalizedHash)

	// 上块的变更从pool里移除
	assert.Zero(t, pool.Size())

	// proposer的出块计数加一
	_, val := cs.Validators.GetByAddress(privs[0].GetAddress())
	assert.EqualValues(t, 1, val.BlocksProduced)
}

func TestVoteWrongSignatureRejected(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	proposal := makeSignedProposal(t, cs, privs[0], testChanges(3))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
	drainInternal(cs, 1)

	// privs[2]冒充privs[1]投票
	vote := &types.Vote{
		Type:       types.PrevoteType,
		Approve:    true,
		ProposalID: cs.ActiveProposal,
		Voter:      privs[1].GetAddress(),
		Epoch:      cs.CurrentEpoch,
		Round:      cs.CurrentRound,
		Timestamp:  time.Now(),
	}
	require.NoError(t, privs[2].SignVote(testChainID, vote))
	cs.handleMsg(msgInfo{&VoteMessage{Vote: vote}, "peer1"})

	assert.Equal(t, 1, cs.Votes.Count(types.PrevoteType), "forged vote must not be counted")
}

// view change按张数计：4个验证者需要3张（3*3 > 4*2）
func TestViewChangeQuorumAdvancesRound(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	for i := 1; i <= 2; i++ {
		vc := makeSignedViewChange(t, cs, privs[i], types.TimeoutPropose)
		cs.handleMsg(msgInfo{&ViewChangeMessage{ViewChange: vc}, p2p.ID(fmt.Sprintf("peer%d", i))})
	}
	assert.EqualValues(t, 0, cs.CurrentRound, "2/4 view changes must not advance the round")

	vc := makeSignedViewChange(t, cs, privs[3], types.TimeoutPropose)
	cs.handleMsg(msgInfo{&ViewChangeMessage{ViewChange: vc}, "peer3"})

	assert.EqualValues(t, 1, cs.CurrentRound)
	assert.EqualValues(t, 0, cs.CurrentEpoch, "view change must not touch the epoch")
	assert.Equal(t, cstype.RoundStepPropose, cs.Step)
	assert.Empty(t, cs.ViewChangeVotes)
}

// SkillEvolution变更要求自带票数达到活跃验证者数量的60%
func TestSkillEvolutionGate(t *testing.T) {
	privs, vals := newPrivAndValSet(10, 1000)
	cs, _ := newTestState(privs, vals)

	skill := func(votes uint32) []types.WorldChange {
		return []types.WorldChange{{
			Kind:           types.ChangeSkillEvolution,
			ActorID:        "discoverer-1",
			Action:         "evolve",
			SkillName:      "firecraft",
			ConsensusVotes: votes,
			Timestamp:      time.Unix(1700000000, 0).UTC(),
		}}
	}

	// 1票 < 需要的6票
	proposal := makeSignedProposal(t, cs, privs[1], skill(1))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, "peer1"})
	assert.Equal(t, cstype.RoundStepPropose, cs.Step)

	proposal = makeSignedProposal(t, cs, privs[1], skill(6))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, "peer1"})
	assert.Equal(t, cstype.RoundStepPrevote, cs.Step)
}

func TestSlashingEvidenceDeactivates(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)
	accused := privs[3].GetAddress()

	for i := 0; i < types.MaxSlashingCount; i++ {
		cs.handleMsg(msgInfo{&SlashingEvidenceMessage{
			Accused:      accused,
			EvidenceType: types.SlashDoubleVoting,
			Timestamp:    time.Now(),
		}, "peer1"})
	}

	assert.False(t, cs.Validators.IsActiveValidator(accused))
	assert.Equal(t, 3, cs.Validators.ActiveCount())
}

func TestValidatorJoinBelowMinStakeRejected(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	pv := privval.GenFilePV("")
	cs.handleMsg(msgInfo{&ValidatorJoinMessage{
		Address:     pv.GetAddress(),
		PubKey:      pv.Key.PubKey,
		StakeAmount: cs.config.MinStake - 1,
		Timestamp:   time.Now(),
	}, "peer1"})

	assert.False(t, cs.Validators.HasAddress(pv.GetAddress()))
	assert.Equal(t, 4, cs.Validators.Size())
}

// buildFinalizedBlocks 构造一段合法的链，返回区块和最后的hash
func buildFinalizedBlocks(t *testing.T, n int) []*types.FinalizedBlock {
	t.Helper()
	blocks := make([]*types.FinalizedBlock, 0, n)
	var prevHash []byte
	for epoch := uint64(0); epoch < uint64(n); epoch++ {
		proposal := types.NewProposal(privval.GenFilePV("").GetAddress(), epoch, 0, testChanges(2), prevHash)
		block := types.NewFinalizedBlock(proposal, nil, prevHash)
		require.NoError(t, block.ValidateBasic())
		blocks = append(blocks, block)
		prevHash = block.BlockHash
	}
	return blocks
}

func TestSyncResponseMergesBlocksWithoutQuorum(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	blocks := buildFinalizedBlocks(t, 3)
	snap := cstype.Snapshot{
		CurrentEpoch:      3,
		Step:              cstype.RoundStepPropose,
		LastFinalizedHash: blocks[2].BlockHash,
		Validators:        vals.Copy(),
	}

	cs.handleMsg(msgInfo{&SyncResponseMessage{Blocks: blocks, State: snap}, "peerA"})

	// 区块合并进账本，但单个peer不足以让节点采纳对方状态
	assert.Equal(t, 3, cs.blockStore.Size())
	assert.EqualValues(t, 0, cs.CurrentEpoch)

	// 重放同一个response是幂等的
	cs.handleMsg(msgInfo{&SyncResponseMessage{Blocks: blocks, State: snap}, "peerA"})
	assert.Equal(t, 3, cs.blockStore.Size())
}

func TestSyncStateAdoptedOnPeerQuorum(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	blocks := buildFinalizedBlocks(t, 3)
	snap := cstype.Snapshot{
		CurrentEpoch:      3,
		Step:              cstype.RoundStepPropose,
		LastFinalizedHash: blocks[2].BlockHash,
		Validators:        vals.Copy(),
	}

	cs.handleMsg(msgInfo{&SyncResponseMessage{Blocks: blocks, State: snap}, "peerA"})
	require.EqualValues(t, 0, cs.CurrentEpoch)

	// 第二个peer汇报一致的最新区块，达到SyncPeerQuorum
	cs.handleMsg(msgInfo{&SyncResponseMessage{Blocks: blocks, State: snap}, "peerB"})
	assert.EqualValues(t, 3, cs.CurrentEpoch)
	assert.Equal(t, blocks[2].BlockHash, cs.LastFinalizedHash)
	assert.Equal(t, cstype.RoundStepPropose, cs.Step)
}

func TestSyncRequestAnswersFromLedger(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	for _, block := range buildFinalizedBlocks(t, 4) {
		require.NoError(t, cs.blockStore.SaveBlock(block))
	}
	require.NoError(t, cs.eventSwitch.Start())
	defer cs.eventSwitch.Stop()

	replies := make(chan *SyncReply, 1)
	cs.eventSwitch.AddListenerForEvent("test", EventSyncReply, func(data events.EventData) {
		replies <- data.(*SyncReply)
	})

	// ToEpoch=0表示一直取到最新epoch
	cs.handleMsg(msgInfo{&SyncRequestMessage{
		Requester: privs[1].GetAddress(),
		FromEpoch: 1,
		ToEpoch:   0,
	}, "peerA"})

	select {
	case reply := <-replies:
		assert.Equal(t, p2p.ID("peerA"), reply.To)
		require.Len(t, reply.Msg.Blocks, 3)
		assert.EqualValues(t, 1, reply.Msg.Blocks[0].Epoch)
		assert.EqualValues(t, 3, reply.Msg.Blocks[2].Epoch)
	case <-time.After(time.Second):
		t.Fatal("no sync reply fired")
	}
}

func TestProducerBatchesAtThreshold(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, pool := newTestState(privs, vals)

	proposed := make(chan *types.WorldStateProposal, 1)
	cs.decideProposal = func() *types.WorldStateProposal {
		p := cs.defaultProposal()
		proposed <- p
		return p
	}

	// 不足一个batch时不出提案
	for _, change := range testChanges(cs.config.BatchSize - 1) {
		require.NoError(t, pool.CheckChange(change, mempl.ChangeInfo{}))
	}
	cs.tryPropose()
	select {
	case <-proposed:
		t.Fatal("proposed below batch size")
	default:
	}

	require.NoError(t, pool.CheckChange(types.WorldChange{
		Kind:      types.ChangePlayerAction,
		ActorID:   "player-final",
		Action:    "move",
		AreaID:    "area-test",
		Timestamp: time.Now(),
	}, mempl.ChangeInfo{}))
	cs.tryPropose()

	select {
	case p := <-proposed:
		require.NotNil(t, p)
		assert.Len(t, p.WorldChanges, cs.config.BatchSize)
		assert.Equal(t, privs[0].GetAddress(), p.Proposer)
	case <-time.After(time.Second):
		t.Fatal("no proposal produced at batch threshold")
	}
}

// 本节点自己发起的registry消息要通过事件交给reactor广播出去，
// peer转发来的只入registry、不再转发
func TestSelfOriginRegistryUpdatePublished(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	published := make(chan Message, 2)
	cs.eventSwitch.AddListenerForEvent("test", EventRegistryUpdate, func(data events.EventData) {
		published <- data.(Message)
	})

	joiner := privval.GenFilePV("")
	join := &ValidatorJoinMessage{
		Address:     joiner.GetAddress(),
		PubKey:      joiner.Key.PubKey,
		StakeAmount: 2000,
		Timestamp:   time.Now(),
	}
	cs.handleMsg(msgInfo{join, ""})

	select {
	case msg := <-published:
		assert.Equal(t, Message(join), msg)
	case <-time.After(time.Second):
		t.Fatal("self originated join never handed to the reactor")
	}
	assert.True(t, cs.Validators.HasAddress(joiner.GetAddress()))

	// peer转来的join进registry但不能再广播
	relayed := privval.GenFilePV("")
	cs.handleMsg(msgInfo{&ValidatorJoinMessage{
		Address:     relayed.GetAddress(),
		PubKey:      relayed.Key.PubKey,
		StakeAmount: 2000,
		Timestamp:   time.Now(),
	}, "peer1"})

	assert.True(t, cs.Validators.HasAddress(relayed.GetAddress()))
	select {
	case msg := <-published:
		t.Fatalf("peer relayed join must not be rebroadcast, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// 被registry拒掉的join（质押不足）不该广播
func TestRejectedJoinNotPublished(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	published := make(chan Message, 1)
	cs.eventSwitch.AddListenerForEvent("test", EventRegistryUpdate, func(data events.EventData) {
		published <- data.(Message)
	})

	poor := privval.GenFilePV("")
	cs.handleMsg(msgInfo{&ValidatorJoinMessage{
		Address:     poor.GetAddress(),
		PubKey:      poor.Key.PubKey,
		StakeAmount: cs.config.MinStake - 1,
		Timestamp:   time.Now(),
	}, ""})

	assert.False(t, cs.Validators.HasAddress(poor.GetAddress()))
	select {
	case msg := <-published:
		t.Fatalf("rejected join must not be broadcast, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// 最低票数下限只数赞成票：3张票里2赞成1反对不够，第3张赞成才过
func TestApproveFloorCountsApprovalsOnly(t *testing.T) {
	stakes := []uint64{4000, 4000, 1000, 1000}
	privs := make([]*privval.FilePV, 0, len(stakes))
	vallist := make([]*types.Validator, 0, len(stakes))
	for _, stake := range stakes {
		pv := privval.GenFilePV("")
		privs = append(privs, pv)
		vallist = append(vallist, types.NewValidator(pv.Key.PubKey, stake))
	}
	cs, _ := newTestState(privs, types.NewValidatorSet(vallist))

	proposal := makeSignedProposal(t, cs, privs[0], testChanges(3))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
	drainInternal(cs, 1) // 自己的prevote，4000

	// 加权赞成8000/10000已过0.67，但赞成只有2张
	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[1], types.PrevoteType, true)}, "peer1"})
	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[2], types.PrevoteType, false)}, "peer2"})
	assert.Equal(t, 3, cs.Votes.Count(types.PrevoteType))
	assert.Equal(t, cstype.RoundStepPrevote, cs.Step)

	cs.handleMsg(msgInfo{&VoteMessage{Vote: makeSignedVote(t, cs, privs[3], types.PrevoteType, true)}, "peer3"})
	assert.Equal(t, cstype.RoundStepPrecommit, cs.Step)
}

func TestMetricJSONSnapshot(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	proposal := makeSignedProposal(t, cs, privs[0], testChanges(1))
	cs.handleMsg(msgInfo{&ProposalMessage{Proposal: proposal}, "peer1"})

	snap := cs.MetricJSON()
	assert.Contains(t, snap, `"proposals_seen":1`)
	assert.Contains(t, snap, cstype.RoundStepPrevote.String())
}

func TestStateImplementsService(t *testing.T) {
	privs, vals := newPrivAndValSet(4, 1000)
	cs, _ := newTestState(privs, vals)

	var svc service.Service = cs
	assert.Equal(t, "ConsensusState", svc.String())
}
