package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// changeJSON 序列化world change时必须和标准库完全兼容，
// 否则不同节点计算出的merkle root会不一致
var changeJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EmptyChangeSetRoot 空的changes列表对应的root
const EmptyChangeSetRoot = "0000000000000000000000000000000000000000000000000000000000000000"

type ChangeKind uint8

const (
	ChangePlayerAction   = ChangeKind(0x01)
	ChangeNPCAction      = ChangeKind(0x02)
	ChangeAreaUpdate     = ChangeKind(0x03)
	ChangeSkillEvolution = ChangeKind(0x04)
	ChangeWorldEvent     = ChangeKind(0x05)
)

func (k ChangeKind) String() string {
	switch k {
	case ChangePlayerAction:
		return "PlayerAction"
	case ChangeNPCAction:
		return "NPCAction"
	case ChangeAreaUpdate:
		return "AreaUpdate"
	case ChangeSkillEvolution:
		return "SkillEvolution"
	case ChangeWorldEvent:
		return "WorldEvent"
	default:
		return "UnknownChange"
	}
}

// WorldChange 一次候选的世界状态变更，由游戏逻辑模块提交。
// 共识引擎只负责对变更排序和hash，Data的内容对引擎是不透明的。
type WorldChange struct {
	Kind ChangeKind `json:"kind"`

	// ActorID是发起者的标识：player id、npc id、event id或skill discoverer
	ActorID string `json:"actor_id,omitempty"`
	Action  string `json:"action,omitempty"`
	AreaID  string `json:"area_id,omitempty"`

	// WorldEvent专用
	AffectedAreas []string `json:"affected_areas,omitempty"`

	// SkillEvolution专用：变更自带的前置共识票数，
	// 在提案验证时和活跃验证者数量做二次校验
	SkillName      string `json:"skill_name,omitempty"`
	ConsensusVotes uint32 `json:"consensus_votes,omitempty"`

	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ValidateBasic 检查变更自身是否携带了对应Kind必需的字段。
// 这里只做形式检查，不做任何游戏规则判断。
func (wc *WorldChange) ValidateBasic() error {
	switch wc.Kind {
	case ChangePlayerAction, ChangeNPCAction:
		if wc.ActorID == "" {
			return errors.New("change has no actor id")
		}
		if wc.Action == "" {
			return errors.New("change has no action type")
		}
		if wc.AreaID == "" {
			return errors.New("change has no area id")
		}
	case ChangeAreaUpdate:
		if wc.AreaID == "" {
			return errors.New("area update has no area id")
		}
		if wc.Action == "" {
			return errors.New("area update has no update type")
		}
	case ChangeSkillEvolution:
		if wc.SkillName == "" {
			return errors.New("skill evolution has no skill name")
		}
		if wc.Action == "" {
			return errors.New("skill evolution has no evolution type")
		}
	case ChangeWorldEvent:
		if wc.ActorID == "" {
			return errors.New("world event has no event id")
		}
		if wc.Action == "" {
			return errors.New("world event has no event type")
		}
	default:
		return fmt.Errorf("unknown change kind: %v", uint8(wc.Kind))
	}
	return nil
}

// Key 返回变更的去重key，pool用它判断变更是否已经收录过
func (wc *WorldChange) Key() [sha256.Size]byte {
	raw, err := changeJSON.Marshal(wc)
	if err != nil {
		panic(err)
	}
	return sha256.Sum256(raw)
}

func (wc *WorldChange) String() string {
	return fmt.Sprintf("WorldChange{%v %s @%s}", wc.Kind, wc.Action, wc.AreaID)
}

// ChangeSetRoot 对有序的changes列表计算merkle root。
// 顺序敏感：同一组变更换一个顺序会得到不同的root，
// 因为变更的顺序本身就是共识的一部分。
func ChangeSetRoot(changes []WorldChange) string {
	if len(changes) == 0 {
		return EmptyChangeSetRoot
	}

	hasher := sha256.New()
	for i := range changes {
		raw, err := changeJSON.Marshal(&changes[i])
		if err != nil {
			panic(err)
		}
		hasher.Write(raw)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// IsValidRoot 检查一个root字符串的格式
func IsValidRoot(root string) bool {
	if len(root) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(strings.ToLower(root))
	return err == nil
}
